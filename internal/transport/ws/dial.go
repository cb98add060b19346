package ws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Dial connects to a huddle server. The returned connection has the
// identity id on the local bus and is not started.
func Dial(ctx context.Context, log zerolog.Logger, url, id string, opts Options) (*Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.ReadBufferSize = 1024
	dialer.WriteBufferSize = 1024

	c, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(log, id, c, opts), nil
}
