// ticktap tails the feed engine's watch server and prints each
// broadcast tick as a JSON line. Handy for eyeballing the live feed
// without touching the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nhooyr.io/websocket"
)

func main() {
	addr := flag.String("addr", "ws://localhost:9100/ws", "watch server URL")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, *addr, nil)
	dialCancel()
	if err != nil {
		log.Fatalf("[ticktap] dial %s: %v", *addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The stream is unbounded; reads are limited per message, not in
	// total.
	conn.SetReadLimit(1 << 20)

	log.Printf("[ticktap] connected to %s", *addr)
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatalf("[ticktap] read: %v", err)
		}
		fmt.Println(string(payload))
	}
}
