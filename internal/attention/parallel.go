package attention

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// forEachHead runs fn for every (batch, head) pair on a bounded set of
// goroutines. A panic in fn is returned as an error.
func forEachHead(batch, heads int, fn func(b, h int)) error {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := range batch {
		for h := range heads {
			g.Go(func() (err error) {
				defer func() {
					if rec := recover(); rec != nil {
						err = fmt.Errorf("batch %d head %d: %v", b, h, rec)
					}
				}()
				fn(b, h)
				return nil
			})
		}
	}
	return g.Wait()
}
