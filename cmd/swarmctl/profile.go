package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/jsonc"
)

// profile is one saved swarmd connection swarmctl can reconnect to by
// name instead of retyping an address every session.
type profile struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

type profileFile struct {
	Profiles []profile `json:"profiles"`
}

func profilesPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "swarmctl", "profiles.jsonc"), nil
}

// loadProfiles reads the local profile store, tolerating JSONC comments
// and trailing commas via jsonc.ToJSON before handing the result to the
// standard decoder. A missing file yields an empty profile set, not an
// error — first run has nothing saved yet.
func loadProfiles() ([]profile, error) {
	path, err := profilesPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var pf profileFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &pf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return pf.Profiles, nil
}

func saveProfiles(profiles []profile) error {
	path, err := profilesPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(profileFile{Profiles: profiles}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// historyPath returns the location of the zstd-compressed poll-history
// cache: every status snapshot swarmctl fetches while attached to a
// host is appended to it. swarmctl reads the cache only to append the
// next snapshot and never displays it; a reopened session starts empty
// until the first live poll lands.
func historyPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "swarmctl", "history.json.zst"), nil
}

func saveHistory(snapshots []statusResponse) error {
	path, err := historyPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(snapshots)
	if err != nil {
		return err
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer encoder.Close()
	compressed := encoder.EncodeAll(raw, nil)
	return os.WriteFile(path, compressed, 0o644)
}

func loadHistory() ([]statusResponse, error) {
	path, err := historyPath()
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	var snapshots []statusResponse
	if err := json.Unmarshal(raw, &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}
