package repo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPacmanConf is the system package manager configuration.
const DefaultPacmanConf = "/etc/pacman.conf"

// Discover parses a pacman.conf and returns its repositories in file order.
// Include directives are followed one level deep for Server lines.
func Discover(path string) ([]Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return parseConf(f, filepath.Dir(path))
}

func parseConf(r io.Reader, baseDir string) ([]Source, error) {
	var (
		sources []Source
		current *Source
	)

	flush := func() {
		if current != nil {
			sources = append(sources, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name != "options" {
				current = &Source{Name: name, Enabled: true}
			}
			continue
		}

		if current == nil {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "Server":
			current.Servers = append(current.Servers, value)
		case "Include":
			servers, err := includeServers(value, baseDir)
			if err != nil {
				return nil, err
			}
			current.Servers = append(current.Servers, servers...)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pacman configuration: %w", err)
	}
	flush()
	return sources, nil
}

func includeServers(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid include pattern %s: %w", pattern, err)
	}

	var servers []string
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			// A missing mirrorlist leaves the repository without servers.
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			key, value, ok := strings.Cut(line, "=")
			if ok && strings.TrimSpace(key) == "Server" {
				servers = append(servers, strings.TrimSpace(value))
			}
		}
	}
	return servers, nil
}
