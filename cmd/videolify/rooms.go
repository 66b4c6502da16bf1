package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/spf13/cobra"

	"github.com/mikeyg42/videolify/internal/api"
	"github.com/mikeyg42/videolify/internal/registry"
)

var roomsFlags struct {
	server     string
	adminToken string
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the relay's active rooms",
	RunE: func(cmd *cobra.Command, _ []string) error {
		base, err := relayBase()
		if err != nil {
			return err
		}
		var rooms []registry.RoomInfo
		if err := getJSON(cmd.Context(), base.JoinPath("/api/rooms").String(), nil, &rooms); err != nil {
			return err
		}
		renderRooms(cmd.OutOrStdout(), rooms)
		return nil
	},
}

var evictCmd = &cobra.Command{
	Use:   "evict ROOM PEER",
	Short: "Remove a peer from a room through the admin RPC",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if roomsFlags.adminToken == "" {
			return fmt.Errorf("--admin-token is required")
		}
		base, err := relayBase()
		if err != nil {
			return err
		}
		evicted, err := evict(cmd.Context(), adminURL(base.String()), roomsFlags.adminToken, args[0], args[1])
		if err != nil {
			return err
		}
		if evicted {
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %s from %s\n", args[1], args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is not in %s\n", args[1], args[0])
		}
		return nil
	},
}

func init() {
	roomsCmd.PersistentFlags().StringVar(&roomsFlags.server, "server", "", "relay URL (default from VIDEOLIFY_SIGNALING_URL)")
	roomsCmd.PersistentFlags().StringVar(&roomsFlags.adminToken, "admin-token", "", "admin RPC bearer token")
	roomsCmd.AddCommand(evictCmd)
}

func relayBase() (*url.URL, error) {
	server := roomsFlags.server
	if server == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		server = cfg.Call.SignalingURL
	}
	return httpBase(server)
}

// adminURL turns the relay's HTTP origin into the admin socket URL.
func adminURL(httpOrigin string) string {
	ws := "ws" + strings.TrimPrefix(httpOrigin, "http")
	return strings.TrimRight(ws, "/") + "/api/admin/rpc"
}

func evict(ctx context.Context, endpoint, token, roomID, peerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	header := http.Header{"Authorization": {"Bearer " + token}}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return false, fmt.Errorf("dial admin rpc: %w", err)
	}
	conn := jsonrpc2.NewConn(ctx, wsstream.NewObjectStream(ws), jsonrpc2.HandlerWithError(
		func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (any, error) {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client accepts no calls"}
		}))
	defer conn.Close()

	var res api.EvictResult
	if err := conn.Call(ctx, api.MethodRoomsEvict, api.EvictParams{RoomID: roomID, PeerID: peerID}, &res); err != nil {
		return false, err
	}
	return res.Evicted, nil
}

func renderRooms(w io.Writer, rooms []registry.RoomInfo) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Room", "Peer", "Name", "Media", "Joined"})
	for _, rm := range rooms {
		if len(rm.Peers) == 0 {
			t.AppendRow(table.Row{rm.RoomID, "-", "", "", ""})
			continue
		}
		for _, p := range rm.Peers {
			t.AppendRow(table.Row{rm.RoomID, p.PeerID, p.PeerName, mediaLabel(p), p.JoinedAt.Local().Format(time.TimeOnly)})
		}
		t.AppendSeparator()
	}
	t.AppendFooter(table.Row{"", "", "", "rooms", len(rooms)})
	t.SetStyle(table.StyleLight)
	t.Render()
}

func mediaLabel(p registry.PeerInfo) string {
	switch {
	case p.HasAudio && p.HasVideo:
		return "audio+video"
	case p.HasVideo:
		return "video"
	case p.HasAudio:
		return "audio"
	default:
		return "none"
	}
}
