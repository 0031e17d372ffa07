package handler

import "github.com/gofiber/fiber/v2"

// SwaggerDocPath is where the swagger handler serves the OpenAPI document.
const SwaggerDocPath = "/swagger/doc.json"

const docsPage = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>lorahub admin API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.ui = SwaggerUIBundle({
      url: '` + SwaggerDocPath + `',
      dom_id: '#swagger-ui',
      presets: [SwaggerUIBundle.presets.apis],
      layout: 'BaseLayout'
    });
  </script>
</body>
</html>`

// DocsPage renders Swagger UI from the CDN against the served OpenAPI document.
func DocsPage() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Type("html").SendString(docsPage)
	}
}
