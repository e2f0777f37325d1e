package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/virtnet-io/virtnet/src/identity"
)

// genid grinds identity proof-of-work across all cores and prints the first
// identity found, or keeps printing with -count.
func main() {
	p384 := flag.Bool("p384", false, "generate a Curve25519+NIST-P-384 identity")
	count := flag.Int("count", 1, "number of identities to generate")
	flag.Parse()

	idType := identity.TypeC25519
	if *p384 {
		idType = identity.TypeP384
	}

	results := make(chan *identity.Identity)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < runtime.NumCPU(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				id, err := identity.Generate(idType)
				if err != nil {
					fmt.Fprintln(os.Stderr, "generation failed:", err)
					os.Exit(1)
				}
				select {
				case results <- id:
				case <-stop:
					return
				}
			}
		}()
	}

	for n := 0; n < *count; n++ {
		id := <-results
		fmt.Println("Address: ", id.Address())
		fmt.Println("Public:  ", id.String())
		fmt.Println("Secret:  ", id.StringWithPrivate())
	}
	close(stop)
}
