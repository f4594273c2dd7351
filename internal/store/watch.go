package store

import "context"

// Watch subscribes to path and publishes fn applied to every snapshot on the
// returned channel. The channel closes when ctx ends or the subscription is
// torn down by the store.
func Watch[T any](ctx context.Context, st Store, path string, fn func(Snapshot) T) (<-chan T, error) {
	sub, err := st.Subscribe(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make(chan T)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-sub.C():
				if !ok {
					return
				}
				v := fn(snap)
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
