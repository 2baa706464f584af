//go:build unix

package mailbox

import (
	"context"
	"os"

	"golang.org/x/sys/unix"
)

func (s *MailboxTestSuite) TestWithMode() {
	old := unix.Umask(0)
	defer unix.Umask(old)

	pub := NewManager(WithSpaceCheck(false), WithMode(0o640))
	defer pub.Close()
	seg, err := pub.CreateOrReset(context.Background(), s.name, s.layout)
	s.Require().NoError(err)
	hb, err := pub.CreateHeartbeat(context.Background(), s.name)
	s.Require().NoError(err)

	for _, path := range []string{seg.Path(), hb.region.Path} {
		info, err := os.Stat(path)
		s.Require().NoError(err)
		s.Equal(os.FileMode(0o640), info.Mode().Perm(), path)
	}

	// the default stays owner only
	s.Require().NoError(pub.Destroy(seg))
	seg, err = s.pub.CreateOrReset(context.Background(), s.name, s.layout)
	s.Require().NoError(err)
	info, err := os.Stat(seg.Path())
	s.Require().NoError(err)
	s.Equal(os.FileMode(0o600), info.Mode().Perm())
}
