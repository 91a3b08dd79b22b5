package stdlib

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/ember/vm"
)

func parallelNatives() []*vm.NativeFunction {
	return []*vm.NativeFunction{
		native("parallel_map", -1, parallelMap),
	}
}

// parallelMap implements parallel_map(fn, array[, workers]). Each element
// is processed on its own forked VM; forks share globals and the execution
// tier, so hot functions compiled by one worker are used by all of them.
// The first error cancels the remaining work.
func parallelMap(call *vm.Call, args []vm.Value) (vm.Value, error) {
	if len(args) < 2 || len(args) > 3 {
		return vm.Null, vm.Errorf("parallel_map expects 2 or 3 arguments, got %d", len(args))
	}
	fn := args[0]
	arr, err := argArray("parallel_map", args, 1)
	if err != nil {
		return vm.Null, err
	}
	workers := runtime.GOMAXPROCS(0)
	if len(args) == 3 {
		n, err := argInt("parallel_map", args, 2)
		if err != nil {
			return vm.Null, err
		}
		if n < 1 {
			return vm.Null, vm.Errorf("parallel_map: workers must be positive, got %d", n)
		}
		workers = int(n)
	}

	items := arr.Snapshot()
	out := make([]vm.Value, len(items))
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(workers)
	parent := call.VM()
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res, err := parent.Fork().Invoke(fn, []vm.Value{item})
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return vm.Null, err
	}
	return vm.NewArray(out), nil
}
