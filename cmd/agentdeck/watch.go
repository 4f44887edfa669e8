package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/flitsinc/agentdeck/internal/client"
	"github.com/flitsinc/agentdeck/internal/stream"
)

func newWatchCmd() *cobra.Command {
	var server, projectID, sessionID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail a project's live event stream in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project is required")
			}
			return runWatch(server, projectID, sessionID)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "agentdeck server base URL")
	cmd.Flags().StringVar(&projectID, "project", "", "project id to watch")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to resume from the last seen sequence")
	return cmd
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "done")
}

func runWatch(server, projectID, sessionID string) error {
	engine := client.NewEngine()
	resumer := client.NewResumer(server, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := func(data []byte) {
		env, err := stream.DecodeEnvelope(data)
		if err != nil {
			return
		}
		switch env.Type {
		case stream.EnvelopeMessage:
			evt, ok := stream.DecodeEvent(env.Data)
			if !ok {
				return
			}
			if engine.Apply(evt) {
				printEvent(evt)
			}
		case stream.EnvelopeStatus:
			fmt.Printf("\n-- status: %v\n", env.Data)
		case stream.EnvelopeError:
			fmt.Printf("\n-- error: %s\n", env.Error)
		}
	}

	dial := func(ctx context.Context) (client.Transport, error) {
		endpoint := server + "/api/stream/ws?project_id=" + url.QueryEscape(projectID)
		if sessionID != "" {
			after := engine.LastSequence(sessionID)
			endpoint += "&session_id=" + url.QueryEscape(sessionID) +
				"&after=" + strconv.FormatInt(after, 10)
		}
		conn, _, err := websocket.Dial(ctx, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn}, nil
	}

	warmup := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/api/health", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}

	if sessionID != "" {
		if _, err := resumer.Resume(ctx, sessionID); err != nil {
			fmt.Printf("-- resume failed: %v\n", err)
		} else {
			for _, msg := range engine.Snapshot(sessionID) {
				if msg.Visible {
					printMessage(msg)
				}
			}
		}
	}

	ctrl := client.NewController(dial, handler,
		client.WithWarmup(warmup),
		client.WithLongRetry(10, 30*time.Second),
	)
	go ctrl.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	return nil
}

func printEvent(evt stream.Event) {
	switch evt.Type {
	case stream.EventAssistantDelta:
		fmt.Print(stream.GetString(evt.Payload, "text"))
	case stream.EventToolCallStarted:
		name := stream.GetString(evt.Payload, "name")
		fmt.Printf("\n-- %s\n", client.ToolSummary(name, stream.GetMap(evt.Payload, "input")))
	case stream.EventTurnEnd:
		fmt.Println("\n-- turn complete")
	case stream.EventError:
		fmt.Printf("\n-- error: %s\n", stream.GetString(evt.Payload, "message"))
	}
}

func printMessage(msg client.Message) {
	switch msg.Kind {
	case "text":
		fmt.Println(msg.Content)
	case "tool":
		fmt.Printf("-- %s\n", msg.Summary)
	case "error":
		fmt.Printf("-- error: %s\n", msg.Content)
	}
}
