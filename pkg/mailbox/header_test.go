package mailbox

import (
	"os"
	"strings"
)

func (s *MailboxTestSuite) TestLicenseHeaderOwner() {
	src, err := os.ReadFile("debug.go")
	s.Require().NoError(err)
	header, _, found := strings.Cut(string(src), "package mailbox")
	s.Require().True(found)
	s.Contains(header, "Licensed under the Apache License, Version 2.0")
	for _, line := range strings.Split(header, "\n") {
		if strings.Contains(line, "Copyright") {
			s.Equal(" * Copyright 2025 SREDiag Authors", line)
		}
	}
}
