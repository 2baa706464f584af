// Package mailbox implements a single-slot shared memory mailbox for handing a
// fixed-size mask from one publisher process to one consumer process.
//
// The segment is 1+W*H bytes. Byte 0 is an ownership flag, EMPTY (0) or
// FULL (1); the rest is the payload. The publisher writes the payload only
// while the flag is EMPTY and then sets FULL. The consumer reads only while
// the flag is FULL and then sets EMPTY. The flag is accessed atomically, so
// a consumer that observes FULL also observes the complete payload.
//
// The slot is never overwritten: a slow consumer makes the publisher wait.
//
// Example usage:
//
//	mgr := mailbox.NewManager()
//	defer mgr.Close()
//	seg, err := mgr.CreateOrReset(ctx, "mask_shared", mailbox.Layout{Width: 128, Height: 128})
//	// ...
//	err = seg.Publish(ctx, mask)
//
// and on the consumer side:
//
//	seg, err := mgr.Attach(ctx, "mask_shared", mailbox.Layout{Width: 128, Height: 128})
//	ok, err := seg.TryConsume(buf)
package mailbox
