package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"
	"github.com/wfunc/gridduel/network"
)

const usage = `commands:
  create [name]          create a session
  join <id>              join a waiting session
  move <id> <cell>       place a mark (cell 0-8)
  random                 request a random match
  list [search]          list waiting sessions
  history                show finished sessions
  room <id>              subscribe to a session room
  leave <id>             leave a session room
  chat <id> <text>       send a chat message
  draw <id>              offer a draw
  accept <id>            accept the pending draw
  decline <id>           decline the pending draw
  abandon <id>           abandon a session`

func main() {
	cmd := &cli.Command{
		Name:  "gridduel-client",
		Usage: "interactive websocket test client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://localhost:8080/ws", Usage: "server websocket url"},
			&cli.StringFlag{Name: "token", Usage: "player token, minted with: gridduel token --player <id>", Required: true},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// gorilla 连接不支持并发写
var writeMutex sync.Mutex

// send formats and sends a message to the WebSocket server.
func send(c *websocket.Conn, msgID uint16, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	packet, err := network.EncodePacket(msgID, data)
	if err != nil {
		return err
	}
	writeMutex.Lock()
	defer writeMutex.Unlock()
	return c.WriteMessage(websocket.BinaryMessage, packet)
}

func run(ctx context.Context, cmd *cli.Command) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	u, err := url.Parse(cmd.String("url"))
	if err != nil {
		return err
	}
	log.Printf("Connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer c.Close()

	if err := send(c, network.MsgTypeAuth, network.AuthRequest{Token: cmd.String("token")}); err != nil {
		return err
	}

	done := make(chan struct{})

	// Read loop
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}
			packet, err := network.DecodePacket(message)
			if err != nil {
				log.Printf("Received invalid packet of size %d", len(message))
				continue
			}
			log.Printf("<- RECV (ID: %d): %s", packet.MsgID, string(packet.Data))
		}
	}()

	// 心跳
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := send(c, network.MsgTypeHeartbeat, nil); err != nil {
					return
				}
			}
		}
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println(usage)
	for {
		select {
		case <-done:
			return nil
		case <-interrupt:
			log.Println("Interrupt received, closing connection.")
			writeMutex.Lock()
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			writeMutex.Unlock()
			if err != nil {
				log.Println("Write close error:", err)
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			msgID, payload, err := parseCommand(strings.Fields(line))
			if err != nil {
				log.Println(err)
				continue
			}
			if msgID == 0 {
				continue
			}
			if err := send(c, msgID, payload); err != nil {
				log.Println("Write error:", err)
				return err
			}
			log.Printf("-> SENT (ID: %d)", msgID)
		}
	}
}

// parseCommand 把一行输入翻译成请求，空行返回 msgID 0
func parseCommand(args []string) (uint16, interface{}, error) {
	if len(args) == 0 {
		return 0, nil, nil
	}
	need := func(n int) error {
		if len(args) < n+1 {
			return fmt.Errorf("%s: expected %d argument(s)\n%s", args[0], n, usage)
		}
		return nil
	}
	rest := func(from int) string {
		return strings.Join(args[from:], " ")
	}

	switch args[0] {
	case "create":
		return network.MsgTypeCreateSession, map[string]string{"name": rest(1)}, nil
	case "random":
		return network.MsgTypeRandomMatch, nil, nil
	case "list":
		return network.MsgTypeListWaiting, network.ListWaitingRequest{Search: rest(1)}, nil
	case "history":
		return network.MsgTypeSessionHistory, network.HistoryRequest{}, nil
	}

	if err := need(1); err != nil {
		return 0, nil, err
	}
	id := args[1]
	switch args[0] {
	case "join":
		return network.MsgTypeJoinSession, network.SessionRequest{SessionID: id}, nil
	case "room":
		return network.MsgTypeJoinRoom, network.SessionRequest{SessionID: id}, nil
	case "leave":
		return network.MsgTypeLeaveRoom, network.SessionRequest{SessionID: id}, nil
	case "draw":
		return network.MsgTypeRequestDraw, network.SessionRequest{SessionID: id}, nil
	case "accept":
		return network.MsgTypeRespondDraw, network.RespondDrawRequest{SessionID: id, Accepted: true}, nil
	case "decline":
		return network.MsgTypeRespondDraw, network.RespondDrawRequest{SessionID: id}, nil
	case "abandon":
		return network.MsgTypeAbandonSession, network.SessionRequest{SessionID: id}, nil
	case "move":
		if err := need(2); err != nil {
			return 0, nil, err
		}
		cell, err := strconv.Atoi(args[2])
		if err != nil {
			return 0, nil, fmt.Errorf("move: bad cell %q", args[2])
		}
		return network.MsgTypeSubmitMove, network.MoveRequest{SessionID: id, Cell: &cell}, nil
	case "chat":
		if err := need(2); err != nil {
			return 0, nil, err
		}
		return network.MsgTypeChat, network.ChatRequest{SessionID: id, Text: rest(2)}, nil
	}
	return 0, nil, fmt.Errorf("unknown command %q\n%s", args[0], usage)
}
