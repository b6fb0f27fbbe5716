package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/auth"
)

// The demo client connects as --from, sends a text message to --to every
// --ticker-duration and prints every event it receives. With --kafka-brokers
// it also tails the message-created topic.

var (
	serverUrl      = flag.String("server", "ws://127.0.0.1:8000/ws", "websocket url of the server")
	jwtSecret      = flag.String("jwt-secret", os.Getenv("MINICHAT_JWT_SECRET"), "HS256 secret, empty uses the x-uid cookie of --mock-auth")
	from           = flag.String("from", "", "user id to connect as")
	to             = flag.String("to", "", "user id to chat with")
	tickerDuration = flag.Duration("ticker-duration", 30*time.Second, "ticker duration")
	kafkaBrokers   = flag.String("kafka-brokers", "", "comma separated kafka brokers")
	kafkaTopic     = flag.String("kafka-topic", "minichat-messages", "kafka topic of message events")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	if *from == "" || *to == "" {
		fmt.Fprintln(os.Stderr, "--from and --to are required.")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := dial()
	if err != nil {
		glog.Exitf("dial %s: %v", *serverUrl, err)
	}
	defer conn.Close()

	if *kafkaBrokers != "" {
		go tail(ctx)
	}

	go func() {
		defer cancel()
		for {
			var msg struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				glog.Errorf("read: %v", err)
				return
			}
			fmt.Printf("<- %s %s\n", msg.Event, msg.Data)
		}
	}()

	send(conn, "request-sidebar", nil)
	send(conn, "request-conversation", map[string]string{"targetId": *to})

	ticker := time.NewTicker(*tickerDuration)
	defer ticker.Stop()

	var i int
	for {
		select {
		case <-ctx.Done():
			send(conn, "logout", nil)
			return
		case <-ticker.C:
			i++
			send(conn, "send-message", map[string]string{
				"sender":          *from,
				"receiver":        *to,
				"messageByUserId": *from,
				"text":            fmt.Sprintf("hello #%d from %s", i, *from),
			})
		}
	}
}

func dial() (*websocket.Conn, error) {
	header := http.Header{}
	u := *serverUrl
	if *jwtSecret != "" {
		token, err := auth.SignToken(*jwtSecret, *from, 24*time.Hour)
		if err != nil {
			return nil, err
		}
		u += "?token=" + url.QueryEscape(token)
	} else {
		header.Set("Cookie", "x-uid="+*from)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	return conn, err
}

func send(conn *websocket.Conn, event string, data interface{}) {
	fmt.Printf("-> %s %v\n", event, data)
	if err := conn.WriteJSON(map[string]interface{}{"event": event, "data": data}); err != nil {
		glog.Errorf("write %s: %v", event, err)
	}
}

// kafka-topics.sh --bootstrap-server localhost:9092 --topic minichat-messages --create
func tail(ctx context.Context) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: strings.Split(*kafkaBrokers, ","),
		Topic:   *kafkaTopic,
		GroupID: "minichat-demo",
		Dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	defer r.Close()

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				glog.Errorf("kafka read: %v", err)
			}
			return
		}
		fmt.Printf("kafka %s: %s\n", m.Key, m.Value)
	}
}
