package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

// File is the optional TOML config file. Collaborator sections map onto the matching settings
// keys; [settings] holds raw overrides for any other key.
type File struct {
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`

	Catalog struct {
		URL               string  `toml:"url"`
		TokenURL          string  `toml:"token_url"`
		ClientID          string  `toml:"client_id"`
		ClientSecret      string  `toml:"client_secret"`
		AccessToken       string  `toml:"access_token"`
		RefreshToken      string  `toml:"refresh_token"`
		RequestsPerSecond float64 `toml:"requests_per_second"`
	} `toml:"catalog"`

	Requests struct {
		URL    string `toml:"url"`
		APIKey string `toml:"api_key"`
	} `toml:"requests"`

	Executor struct {
		URL            string `toml:"url"`
		Token          string `toml:"token"`
		TimeoutMinutes int    `toml:"timeout_minutes"`
	} `toml:"executor"`

	Settings map[string]any `toml:"settings"`
}

// LoadFile reads and decodes a TOML config file
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &f, nil
}

// SettingValues flattens the file into settings key/value pairs. Empty values are omitted so
// that a sparse file does not clear settings made elsewhere.
func (f *File) SettingValues() (map[string]string, error) {
	out := make(map[string]string)
	put := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}

	put("log.level", f.Log.Level)
	put("catalog.url", f.Catalog.URL)
	put("catalog.token_url", f.Catalog.TokenURL)
	put("catalog.client_id", f.Catalog.ClientID)
	put("catalog.client_secret", f.Catalog.ClientSecret)
	if f.Catalog.RequestsPerSecond > 0 {
		put("catalog.requests_per_second", fmt.Sprint(f.Catalog.RequestsPerSecond))
	}
	if f.Catalog.AccessToken != "" || f.Catalog.RefreshToken != "" {
		token, err := json.Marshal(map[string]string{
			"access_token":  f.Catalog.AccessToken,
			"refresh_token": f.Catalog.RefreshToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode catalog token: %w", err)
		}
		put("catalog.token", string(token))
	}
	put("requests.url", f.Requests.URL)
	put("requests.api_key", f.Requests.APIKey)
	put("executor.url", f.Executor.URL)
	put("executor.token", f.Executor.Token)
	if f.Executor.TimeoutMinutes > 0 {
		put("executor.timeout_minutes", fmt.Sprint(f.Executor.TimeoutMinutes))
	}

	for key, value := range f.Settings {
		switch v := value.(type) {
		case string:
			out[key] = v
		case bool, int64, float64:
			out[key] = fmt.Sprint(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode setting %s: %w", key, err)
			}
			out[key] = string(data)
		}
	}
	return out, nil
}

// SettingsSetter stores settings
type SettingsSetter interface {
	SetSetting(key, value string) error
}

// ApplyFile writes the file's values into the settings store and returns the keys written
func ApplyFile(f *File, store SettingsSetter) ([]string, error) {
	values, err := f.SettingValues()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := store.SetSetting(key, values[key]); err != nil {
			return nil, fmt.Errorf("failed to apply setting %s: %w", key, err)
		}
	}
	return keys, nil
}

// FileWatcher reloads the config file when it changes on disk
type FileWatcher struct {
	path     string
	debounce time.Duration
	onChange func(*File)
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	wg sync.WaitGroup
}

// WatchFile starts watching path. The parent directory is watched so that editors which
// replace the file atomically are picked up. onChange runs after events settle for debounce.
func WatchFile(ctx context.Context, path string, debounce time.Duration, onChange func(*File)) (*FileWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &FileWatcher{
		path:     absPath,
		debounce: debounce,
		onChange: onChange,
		watcher:  fsWatcher,
	}
	w.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Config watcher panicked")
			}
		}()
		w.loop(ctx)
	})
	log.Info().Str("path", absPath).Msg("Watching config file for changes")
	return w, nil
}

// Close stops the watcher
func (w *FileWatcher) Close() error {
	err := w.watcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *FileWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *FileWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *FileWatcher) reload() {
	f, err := LoadFile(w.path)
	if err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			log.Error().Err(err).Str("path", w.path).Msg("Failed to reload config file")
		}
		return
	}
	log.Info().Str("path", w.path).Msg("Config file changed, reloading")
	w.onChange(f)
}
