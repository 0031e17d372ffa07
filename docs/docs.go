// Package docs holds the OpenAPI description of the gateway admin API in the
// layout `swag init -g cmd/gateway/main.go` writes. Regenerate it with
// `make docs` after changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/devices": {
            "get": {
                "produces": ["application/json"],
                "tags": ["devices"],
                "summary": "List device runners",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/handler.devicesResponse"}
                    }
                }
            }
        },
        "/devices/{id}/telemetry": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["devices"],
                "summary": "Queue a raw reading",
                "parameters": [
                    {
                        "type": "string",
                        "description": "Device ID",
                        "name": "id",
                        "in": "path",
                        "required": true
                    },
                    {
                        "description": "Raw reading",
                        "name": "reading",
                        "in": "body",
                        "required": true,
                        "schema": {"type": "object"}
                    }
                ],
                "responses": {
                    "202": {
                        "description": "Accepted",
                        "schema": {"$ref": "#/definitions/handler.enqueueResponse"}
                    },
                    "400": {
                        "description": "Bad Request",
                        "schema": {"$ref": "#/definitions/handler.errorPayload"}
                    },
                    "404": {
                        "description": "Not Found",
                        "schema": {"$ref": "#/definitions/handler.errorPayload"}
                    },
                    "503": {
                        "description": "Service Unavailable",
                        "schema": {"$ref": "#/definitions/handler.errorPayload"}
                    }
                }
            }
        },
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Readiness",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "type": "object",
                            "additionalProperties": {"type": "string"}
                        }
                    },
                    "503": {
                        "description": "Service Unavailable",
                        "schema": {"$ref": "#/definitions/handler.errorPayload"}
                    }
                }
            }
        },
        "/healthz": {
            "get": {
                "tags": ["health"],
                "summary": "Liveness",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/hmi/events": {
            "get": {
                "produces": ["application/json"],
                "tags": ["hmi"],
                "summary": "List HMI events",
                "parameters": [
                    {
                        "type": "string",
                        "description": "HMI method",
                        "name": "method",
                        "in": "query"
                    },
                    {
                        "minimum": 1,
                        "type": "integer",
                        "description": "Maximum number of events",
                        "name": "limit",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/handler.eventsResponse"}
                    },
                    "400": {
                        "description": "Bad Request",
                        "schema": {"$ref": "#/definitions/handler.errorPayload"}
                    },
                    "500": {
                        "description": "Internal Server Error",
                        "schema": {"$ref": "#/definitions/handler.errorPayload"}
                    }
                }
            }
        },
        "/metrics": {
            "get": {
                "produces": ["text/plain"],
                "tags": ["health"],
                "summary": "Prometheus metrics",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"type": "string"}
                    }
                }
            }
        }
    },
    "definitions": {
        "handler.devicesResponse": {
            "type": "object",
            "properties": {
                "devices": {
                    "type": "array",
                    "items": {"$ref": "#/definitions/runner.Status"}
                }
            }
        },
        "handler.enqueueResponse": {
            "type": "object",
            "properties": {
                "device_id": {"type": "string"},
                "queue_depth": {"type": "integer"},
                "queued": {"type": "boolean"}
            }
        },
        "handler.errorEnvelope": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "handler.errorPayload": {
            "type": "object",
            "properties": {
                "error": {"$ref": "#/definitions/handler.errorEnvelope"},
                "request_id": {"type": "string"}
            }
        },
        "handler.eventsResponse": {
            "type": "object",
            "properties": {
                "events": {
                    "type": "array",
                    "items": {"$ref": "#/definitions/model.HMIEvent"}
                }
            }
        },
        "model.HMIEvent": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "method": {"type": "string"},
                "payload": {
                    "type": "object",
                    "additionalProperties": true
                },
                "timestamp": {"type": "string"},
                "user": {"type": "string"}
            }
        },
        "runner.Status": {
            "type": "object",
            "properties": {
                "connected": {"type": "boolean"},
                "connection_attempt": {"type": "integer"},
                "device_id": {"type": "string"},
                "failed": {"type": "integer"},
                "queue_capacity": {"type": "integer"},
                "queue_depth": {"type": "integer"},
                "sent": {"type": "integer"},
                "stopped": {"type": "boolean"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "lorahub admin API",
	Description:      "Runner status, telemetry injection and HMI event history of the LoRaWAN field gateway.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
