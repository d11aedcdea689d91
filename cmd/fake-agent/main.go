// ABOUTME: Minimal fake agent for end-to-end testing — listens on a socket, echoes commands.
// ABOUTME: Usage: fake-agent [-addr 127.0.0.1:7777] [-id echo-agent] [-delay 50ms]

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7777", "address to listen on (host:port, or a path for a unix socket)")
	agentID := flag.String("id", "echo-agent", "agent ID reported in output")
	delay := flag.Duration("delay", 50*time.Millisecond, "delay between output lines, to simulate streaming")
	flag.Parse()

	if err := run(*addr, *agentID, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr, agentID string, delay time.Duration) error {
	network := "tcp"
	if strings.Contains(addr, "/") {
		network = "unix"
		// A stale socket file blocks the listen
		os.Remove(addr)
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	fmt.Fprintf(os.Stderr, "%s listening on %s\n", agentID, addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("accept: %w", err)
		}
		go serve(conn, agentID, delay)
	}
}

// serve handles one coordinator connection: every command line received
// produces a short burst of output lines, the way a real agent streams
// progress while it works.
func serve(conn net.Conn, agentID string, delay time.Duration) {
	defer conn.Close()

	log.Printf("coordinator connected from %s", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		command := scanner.Text()
		log.Printf("received command: %s", command)

		lines := []string{
			fmt.Sprintf("[%s] accepted: %s", agentID, command),
			fmt.Sprintf("[%s] working...", agentID),
			fmt.Sprintf("[%s] done: %s", agentID, command),
		}
		for _, line := range lines {
			if _, err := fmt.Fprintln(conn, line); err != nil {
				log.Printf("write error: %v", err)
				return
			}
			time.Sleep(delay)
		}
	}

	log.Printf("coordinator disconnected from %s", conn.RemoteAddr())
}
