package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) TestDefaultConfigIsValid() {
	c := DefaultConfig()
	s.Require().NoError(VerifyConfig(c))
	s.Equal("mask_shared", c.Segment.Name)
	s.Equal(16385, c.Segment.Layout().Size())
	s.Equal(uint32(0o600), c.Segment.Mode)
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	s.Require().Error(VerifyConfig(nil))

	config := DefaultConfig()
	config.Segment.Name = "a/b"
	s.Require().Error(VerifyConfig(config))
	config.Segment.Name = "/mask_shared"
	s.Require().NoError(VerifyConfig(config))

	config.Segment.Width = 0
	s.Require().Error(VerifyConfig(config))
	config.Segment.Width = 128

	config.Segment.Mode = 0o4600
	s.Require().Error(VerifyConfig(config))
	config.Segment.Mode = 0o440
	s.Require().Error(VerifyConfig(config))
	config.Segment.Mode = 0o660
	s.Require().NoError(VerifyConfig(config))

	config.Publisher.Source = "camera"
	s.Require().Error(VerifyConfig(config))
	config.Publisher.Source = "dir"
	s.Require().Error(VerifyConfig(config))
	config.Publisher.SourceDir = "masks"
	s.Require().NoError(VerifyConfig(config))

	config.Publisher.PollInterval = 0
	s.Require().Error(VerifyConfig(config))
	config.Publisher.PollInterval = time.Millisecond

	config.Consumer.LostAfter = config.Consumer.StaleAfter - 1
	s.Require().Error(VerifyConfig(config))
	config.Consumer.LostAfter = 2 * time.Second

	config.Consumer.AttachMaxInterval = config.Consumer.AttachInitialInterval / 2
	s.Require().Error(VerifyConfig(config))
	config.Consumer.AttachMaxInterval = time.Second

	config.Dump.Dir = "out"
	config.Dump.Workers = 0
	s.Require().Error(VerifyConfig(config))
	config.Dump.Workers = 1
	s.Require().NoError(VerifyConfig(config))
}

func (s *ConfigTestSuite) TestLoadFromEnv() {
	s.T().Setenv("MASKSHM_SEGMENT_NAME", "lane_mask")
	s.T().Setenv("MASKSHM_SEGMENT_WIDTH", "64")
	s.T().Setenv("MASKSHM_CONSUMER_POLL_INTERVAL", "2ms")
	s.T().Setenv("MASKSHM_SEGMENT_MODE", "0660")

	c, err := Load(NewViper(), "")
	s.Require().NoError(err)
	s.Equal("lane_mask", c.Segment.Name)
	s.Equal(64, c.Segment.Width)
	s.Equal(128, c.Segment.Height)
	s.Equal(2*time.Millisecond, c.Consumer.PollInterval)
	s.Equal(uint32(0o660), c.Segment.Mode)
}

func (s *ConfigTestSuite) TestLoadFromFile() {
	path := filepath.Join(s.T().TempDir(), "maskshm.yaml")
	yaml := []byte("segment:\n  width: 320\n  height: 240\ndump:\n  dir: /tmp/masks\npublisher:\n  heartbeat_interval: 250ms\n")
	s.Require().NoError(os.WriteFile(path, yaml, 0644))

	c, err := Load(NewViper(), path)
	s.Require().NoError(err)
	s.Equal(320, c.Segment.Width)
	s.Equal(240, c.Segment.Height)
	s.Equal("/tmp/masks", c.Dump.Dir)
	s.Equal(250*time.Millisecond, c.Publisher.HeartbeatInterval)
	s.Equal("mask_shared", c.Segment.Name)

	_, err = Load(NewViper(), filepath.Join(s.T().TempDir(), "missing.yaml"))
	s.Require().Error(err)
}

func (s *ConfigTestSuite) TestLoadRejectsInvalid() {
	s.T().Setenv("MASKSHM_SEGMENT_HEIGHT", "0")
	_, err := Load(NewViper(), "")
	s.Require().Error(err)
}
