package local

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrt/meshrt/pkg/comm"
)

func runRanks(t *testing.T, size int, fn func(t *testing.T, tr *Transport)) {
	t.Helper()
	ts := NewGroup(size)
	var wg sync.WaitGroup
	wg.Add(size)
	for _, tr := range ts {
		tr := tr
		go func() {
			defer wg.Done()
			fn(t, tr)
		}()
	}
	wg.Wait()
}

func TestTransport_SendRecv(t *testing.T) {
	runRanks(t, 2, func(t *testing.T, tr *Transport) {
		ctx := context.Background()
		if tr.Rank() == 0 {
			require.NoError(t, tr.Send(ctx, 1, 7, []byte("hello")))
		} else {
			data, err := tr.Recv(ctx, 0, 7)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(data))
		}
	})
}

func TestTransport_SendRecv_FIFOPerTag(t *testing.T) {
	runRanks(t, 2, func(t *testing.T, tr *Transport) {
		ctx := context.Background()
		if tr.Rank() == 0 {
			require.NoError(t, tr.Send(ctx, 1, 1, []byte("a")))
			require.NoError(t, tr.Send(ctx, 1, 1, []byte("b")))
		} else {
			first, err := tr.Recv(ctx, 0, 1)
			require.NoError(t, err)
			second, err := tr.Recv(ctx, 0, 1)
			require.NoError(t, err)
			assert.Equal(t, "a", string(first))
			assert.Equal(t, "b", string(second))
		}
	})
}

func TestTransport_ISendIRecv(t *testing.T) {
	runRanks(t, 2, func(t *testing.T, tr *Transport) {
		ctx := context.Background()
		if tr.Rank() == 0 {
			req, err := tr.ISend(ctx, 1, 3, []byte("payload"))
			require.NoError(t, err)
			_, err = req.Wait(ctx)
			require.NoError(t, err)
		} else {
			req, err := tr.IRecv(ctx, 0, 3)
			require.NoError(t, err)
			data, err := req.Wait(ctx)
			require.NoError(t, err)
			assert.Equal(t, "payload", string(data))
		}
	})
}

func TestTransport_Barrier(t *testing.T) {
	const size = 4
	var mu sync.Mutex
	reached := 0

	runRanks(t, size, func(t *testing.T, tr *Transport) {
		ctx := context.Background()
		mu.Lock()
		reached++
		mu.Unlock()
		require.NoError(t, tr.Barrier(ctx))
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, size, reached)
	})
}

func TestTransport_Dup_IndependentTagSpace(t *testing.T) {
	runRanks(t, 2, func(t *testing.T, tr *Transport) {
		ctx := context.Background()
		child, err := tr.Dup(ctx)
		require.NoError(t, err)

		if tr.Rank() == 0 {
			require.NoError(t, tr.Send(ctx, 1, 9, []byte("parent")))
			require.NoError(t, child.Send(ctx, 1, 9, []byte("child")))
		} else {
			parentMsg, err := tr.Recv(ctx, 0, 9)
			require.NoError(t, err)
			childMsg, err := child.Recv(ctx, 0, 9)
			require.NoError(t, err)
			assert.Equal(t, "parent", string(parentMsg))
			assert.Equal(t, "child", string(childMsg))
		}
	})
}

func TestTransport_Window_PutComplete(t *testing.T) {
	const size = 3
	runRanks(t, size, func(t *testing.T, tr *Transport) {
		ctx := context.Background()
		win, err := tr.NewWindow(ctx, 8)
		require.NoError(t, err)

		require.NoError(t, win.Start(ctx))
		next := (tr.Rank() + 1) % size
		require.NoError(t, win.Put(ctx, next, 0, []byte{byte(tr.Rank())}))
		require.NoError(t, win.Complete(ctx))

		prev := (tr.Rank() - 1 + size) % size
		assert.Equal(t, byte(prev), win.Local()[0])
	})
}

var _ comm.Transport = (*Transport)(nil)
