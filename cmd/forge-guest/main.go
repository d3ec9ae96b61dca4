// Command forge-guest runs inside each Firecracker microVM. It accepts task
// requests from the host over vsock and streams their output back.
//
// The rootfs images must be built with a static binary:
//
//	CGO_ENABLED=0 GOOS=linux go build -o forge-guest ./cmd/forge-guest
package main

import (
	"flag"
	"log"

	"github.com/mdlayher/vsock"

	fc "github.com/seantiz/forge/internal/backend/firecracker"
	"github.com/seantiz/forge/internal/guest"
)

func main() {
	port := flag.Uint("port", uint(fc.DefaultVsockPort), "vsock port to accept task requests on")
	scratch := flag.String("scratch", fc.GuestScratchDir, "root of per-task scratch directories")
	flag.Parse()

	if err := guest.SetupInit(*scratch); err != nil {
		// A missing mount only breaks the tasks that need it.
		log.Printf("init: %v", err)
	}

	l, err := vsock.Listen(uint32(*port), nil)
	if err != nil {
		log.Fatalf("vsock listen on port %d: %v", *port, err)
	}
	defer l.Close()
	log.Printf("forge-guest ready on vsock port %d, scratch %s", *port, *scratch)

	if err := guest.New(l, *scratch).Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
