package acp

import (
	"context"
	"time"

	"github.com/tiancaiamao/acp/pkg/protocol"
	"github.com/tiancaiamao/acp/pkg/rpc"
)

// clientProxy reaches the client's file system and permission prompt over
// the connection. File requests are bounded by the request timeout; the
// bridge bounds permission requests itself.
type clientProxy struct {
	conn    *rpc.Conn
	timeout time.Duration
}

func (c *clientProxy) ReadTextFile(ctx context.Context, params protocol.ReadTextFileParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var res protocol.ReadTextFileResult
	if err := c.conn.Call(ctx, protocol.MethodReadTextFile, params, &res); err != nil {
		return "", err
	}
	return res.Content, nil
}

func (c *clientProxy) WriteTextFile(ctx context.Context, params protocol.WriteTextFileParams) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.conn.Call(ctx, protocol.MethodWriteTextFile, params, nil)
}

func (c *clientProxy) RequestPermission(ctx context.Context, params protocol.RequestPermissionParams) (protocol.RequestPermissionResult, error) {
	var res protocol.RequestPermissionResult
	err := c.conn.Call(ctx, protocol.MethodRequestPermission, params, &res)
	return res, err
}
