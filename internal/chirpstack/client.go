package chirpstack

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/chirpstack/chirpstack/api/go/v4/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"lorahub/internal/config"
)

// pageSize is the number of items requested per List call.
const pageSize uint32 = 100

// APIToken authenticates every RPC with a ChirpStack API key.
type APIToken struct {
	Token  string
	Secure bool
}

func (t APIToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + t.Token}, nil
}

func (t APIToken) RequireTransportSecurity() bool { return t.Secure }

var _ credentials.PerRPCCredentials = APIToken{}

// Gateway is the slice of a gateway's state the checks care about.
type Gateway struct {
	ID       string
	Name     string
	State    string
	LastSeen time.Time
}

// DeviceProfile is the slice of a device profile the checks care about.
type DeviceProfile struct {
	ID     string
	Name   string
	Region string
}

type gatewayService interface {
	List(ctx context.Context, in *api.ListGatewaysRequest, opts ...grpc.CallOption) (*api.ListGatewaysResponse, error)
}

type deviceProfileService interface {
	List(ctx context.Context, in *api.ListDeviceProfilesRequest, opts ...grpc.CallOption) (*api.ListDeviceProfilesResponse, error)
}

// Client is a thin ChirpStack v4 gRPC API client.
type Client struct {
	conn     *grpc.ClientConn
	gateways gatewayService
	profiles deviceProfileService
}

// Dial creates a client for cfg.ServerURL. The connection is established lazily.
func Dial(cfg config.ChirpStackConfig) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("chirpstack server url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("chirpstack api key is required")
	}

	transport := insecure.NewCredentials()
	if cfg.APITLS {
		transport = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(cfg.ServerURL,
		grpc.WithTransportCredentials(transport),
		grpc.WithPerRPCCredentials(APIToken{Token: cfg.APIKey, Secure: cfg.APITLS}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial chirpstack: %w", err)
	}
	return &Client{
		conn:     conn,
		gateways: api.NewGatewayServiceClient(conn),
		profiles: api.NewDeviceProfileServiceClient(conn),
	}, nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ListGateways returns every gateway of tenantID (all tenants for an admin key when empty).
func (c *Client) ListGateways(ctx context.Context, tenantID string) ([]Gateway, error) {
	var out []Gateway
	for offset := uint32(0); ; offset += pageSize {
		resp, err := c.gateways.List(ctx, &api.ListGatewaysRequest{
			Limit:    pageSize,
			Offset:   offset,
			TenantId: tenantID,
		})
		if err != nil {
			return nil, fmt.Errorf("list gateways: %w", err)
		}
		for _, g := range resp.GetResult() {
			gw := Gateway{
				ID:    g.GetGatewayId(),
				Name:  g.GetName(),
				State: g.GetState().String(),
			}
			if ts := g.GetLastSeenAt(); ts != nil {
				gw.LastSeen = ts.AsTime()
			}
			out = append(out, gw)
		}
		if len(resp.GetResult()) < int(pageSize) || offset+pageSize >= resp.GetTotalCount() {
			return out, nil
		}
	}
}

// ListDeviceProfiles returns every device profile of tenantID.
func (c *Client) ListDeviceProfiles(ctx context.Context, tenantID string) ([]DeviceProfile, error) {
	var out []DeviceProfile
	for offset := uint32(0); ; offset += pageSize {
		resp, err := c.profiles.List(ctx, &api.ListDeviceProfilesRequest{
			Limit:    pageSize,
			Offset:   offset,
			TenantId: tenantID,
		})
		if err != nil {
			return nil, fmt.Errorf("list device profiles: %w", err)
		}
		for _, p := range resp.GetResult() {
			out = append(out, DeviceProfile{
				ID:     p.GetId(),
				Name:   p.GetName(),
				Region: p.GetRegion().String(),
			})
		}
		if len(resp.GetResult()) < int(pageSize) || offset+pageSize >= resp.GetTotalCount() {
			return out, nil
		}
	}
}
