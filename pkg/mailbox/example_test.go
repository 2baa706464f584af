package mailbox_test

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/srediag/mask-shm/pkg/mailbox"
)

func ExampleManager() {
	ctx := context.Background()
	name := "example_" + uuid.NewString()
	layout := mailbox.Layout{Width: 4, Height: 2}

	pubs := mailbox.NewManager()
	defer pubs.Close()
	pub, err := pubs.CreateOrReset(ctx, name, layout)
	if err != nil {
		fmt.Println("failed to create mailbox:", err)
		return
	}

	subs := mailbox.NewManager()
	defer subs.Close()
	sub, err := subs.Attach(ctx, name, layout)
	if err != nil {
		fmt.Println("failed to attach:", err)
		return
	}

	_ = pub.Publish(ctx, []byte{0, 0, 255, 255, 0, 0, 255, 255})
	mask, _ := sub.Consume(ctx)
	fmt.Println(mask)

	f, _ := pub.Flag()
	fmt.Println(f)
	// Output:
	// [0 0 255 255 0 0 255 255]
	// EMPTY
}
