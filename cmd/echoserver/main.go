// echoserver is a trivial TCP echo server used as an upstream target for
// manual proxy testing.
package main

import (
	"flag"
	"io"
	"log"
	"net"
)

func main() {
	addr := flag.String("listen", "127.0.0.1:9000", "listen address")
	flag.Parse()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("bind %s: %v", *addr, err)
	}
	log.Printf("echo server listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("accept: %v", err)
		}
		go func(c net.Conn) {
			defer c.Close()
			log.Printf("client connected: %s", c.RemoteAddr())
			n, _ := io.Copy(c, c)
			log.Printf("client done: %s (%d bytes)", c.RemoteAddr(), n)
		}(conn)
	}
}
