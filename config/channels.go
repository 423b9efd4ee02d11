package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/FlowingSPDG/stream-monitor/streams"
)

type seedFile struct {
	Channels []streams.NewChannel `toml:"channel"`
}

// LoadChannelSeeds reads [[channel]] entries from a TOML file. An empty path
// yields no seeds.
//
//	[[channel]]
//	platform = "twitch"
//	channel_id = "shroud"
//	poll_interval = 30
func LoadChannelSeeds(path string) ([]streams.NewChannel, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open channels file: %w", err)
	}
	defer file.Close()

	var seeds seedFile
	dec := toml.NewDecoder(file).DisallowUnknownFields()
	if err := dec.Decode(&seeds); err != nil {
		return nil, fmt.Errorf("parse channels file %s: %w", path, err)
	}
	for i, c := range seeds.Channels {
		if c.Platform == "" || c.ChannelID == "" {
			return nil, fmt.Errorf("channels file %s: entry %d needs platform and channel_id", path, i+1)
		}
	}
	return seeds.Channels, nil
}
