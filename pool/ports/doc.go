// Package ports allocates network ports for worker processes.
//
// Ports come from a fixed window [base, base+width]. A scan starts at a
// rotating cursor, skips ports the caller already tracks, and accepts the first
// candidate the Claimer approves. The default BindClaimer binds the port
// exclusively and releases it, which is the only coordination between several
// managers running on one host.
//
// Usage:
//
//	alloc, err := ports.NewAllocator(8931, 100, 100, ports.BindClaimer{})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	port, err := alloc.Allocate(map[int]bool{8931: true})
//	if errors.Is(err, ports.ErrPortExhausted) {
//		// every candidate was taken
//	}
package ports
