package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func callCmd() *cobra.Command {
	var (
		addr    string
		token   string
		timeout time.Duration
		follow  bool
	)
	cmd := &cobra.Command{
		Use:   "call <method> [json-params]",
		Short: "Send one RPC to a running gateway and print the response",
		Example: `  clawgate call gateway.status
  clawgate call routing.resolve '{"platform":"discord","channelId":"123","userId":"42"}'
  clawgate call gateway.subscribe '{"platform":"slack"}' --follow`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return errors.New("params must be valid JSON")
				}
				params = json.RawMessage(args[1])
			}

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr == "" {
				host := cfg.Gateway.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)
			}
			if token == "" {
				token = cfg.Gateway.Token
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCall(ctx, addr, token, args[0], params, timeout, follow)
		},
	}
	cmd.Flags().StringVar(&addr, "url", "", "gateway WebSocket URL (default: from config)")
	cmd.Flags().StringVar(&token, "token", "", "gateway token (default: from config or CLAWGATE_GATEWAY_TOKEN)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "time to wait for the response")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing events after the response")
	return cmd
}

func runCall(ctx context.Context, addr, token, method string, params json.RawMessage, timeout time.Duration, follow bool) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("connect %s: %w", u.Redacted(), err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	var p interface{}
	if params != nil {
		p = params
	}
	req, err := protocol.NewRequest("", method, p)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	if err := conn.Write(dialCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	for {
		readCtx := ctx
		if !follow {
			readCtx = dialCtx
		}
		_, raw, err := conn.Read(readCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		frame, err := protocol.ParseMessage(raw)
		if err != nil {
			return err
		}
		switch {
		case frame.Response != nil && frame.Response.ID == req.ID:
			if err := printJSON(frame.Response); err != nil {
				return err
			}
			if !frame.Response.OK {
				if frame.Response.Error != nil {
					return frame.Response.Error
				}
				return errors.New("request failed")
			}
			if !follow {
				return nil
			}
		case frame.Event != nil && follow:
			if err := printJSON(frame.Event); err != nil {
				return err
			}
			if frame.Event.Event == protocol.EventGatewayShutdown {
				return nil
			}
		}
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
