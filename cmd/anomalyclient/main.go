// anomalyclient is a demo TCP client that injects faults on its own sends:
// loss, corruption, duplication, reordering and fixed delay. Handy for
// exercising a server (or the proxy) from the client side.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"time"
)

type anomalySender struct {
	conn      net.Conn
	rnd       *rand.Rand
	lossRate  float64
	corrupt   bool
	duplicate bool
	reorder   bool
	delay     time.Duration

	held []byte // payload held back for reordering
}

func (a *anomalySender) send(payload []byte) {
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if a.rnd.Float64() < a.lossRate {
		log.Printf("dropped (simulated): %q", payload)
		return
	}
	out := append([]byte(nil), payload...)
	if a.corrupt && len(out) > 0 {
		out[a.rnd.Intn(len(out))] ^= byte(a.rnd.Intn(255) + 1)
	}

	if a.reorder && a.held == nil && a.rnd.Float64() < 0.5 {
		a.held = out
		log.Printf("held for reorder: %q", payload)
		return
	}

	a.write(out)
	if a.duplicate && a.rnd.Float64() < 0.5 {
		a.write(out)
		log.Printf("duplicated: %q", payload)
	}
	if a.held != nil {
		a.write(a.held)
		a.held = nil
	}
}

func (a *anomalySender) write(p []byte) {
	if _, err := a.conn.Write(p); err != nil {
		log.Fatalf("write failed: %v", err)
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "server address")
	loss := flag.Float64("loss", 0, "probability of dropping a send")
	corrupt := flag.Bool("corrupt", false, "flip a random byte per send")
	duplicate := flag.Bool("dup", false, "occasionally send twice")
	reorder := flag.Bool("reorder", false, "occasionally swap adjacent sends")
	delayMs := flag.Int("delay", 0, "fixed delay before each send in ms")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer conn.Close()
	log.Printf("connected to %s; reading lines from stdin", *addr)

	sender := &anomalySender{
		conn:      conn,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		lossRate:  *loss,
		corrupt:   *corrupt,
		duplicate: *duplicate,
		reorder:   *reorder,
		delay:     time.Duration(*delayMs) * time.Millisecond,
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				fmt.Printf("<- %q\n", buf[:n])
			}
			if err != nil {
				log.Printf("server closed: %v", err)
				os.Exit(0)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		sender.send(scanner.Bytes())
	}
	if sender.held != nil {
		sender.write(sender.held)
	}
}
