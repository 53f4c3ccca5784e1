package skills

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// LoadSkill parses a markdown file with YAML frontmatter. The file must
// start with "---", followed by YAML, another "---", then markdown.
func LoadSkill(reader io.Reader) (*Skill, error) {
	// Large buffer to support skills >64KB.
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read skill file: %w", err)
		}
		return nil, fmt.Errorf("skill file is empty")
	}
	firstLine := strings.TrimSpace(scanner.Text())
	if firstLine != "---" {
		return nil, fmt.Errorf("skill file must start with YAML frontmatter (---), got: %q", firstLine)
	}

	var frontmatter bytes.Buffer
	foundEnd := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			foundEnd = true
			break
		}
		frontmatter.WriteString(line + "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading frontmatter: %w", err)
	}
	if !foundEnd {
		return nil, fmt.Errorf("unterminated YAML frontmatter (missing closing ---)")
	}

	// Enabled defaults to true since Go's zero value is false.
	skill := Skill{Enabled: true}
	if err := yaml.Unmarshal(frontmatter.Bytes(), &skill); err != nil {
		return nil, fmt.Errorf("failed to parse YAML frontmatter: %w", err)
	}

	var content bytes.Buffer
	for scanner.Scan() {
		content.WriteString(scanner.Text() + "\n")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading markdown content: %w", err)
	}
	skill.Content = strings.TrimSpace(content.String())

	if err := validateSkill(&skill); err != nil {
		return nil, err
	}
	return &skill, nil
}

func validateSkill(skill *Skill) error {
	if skill.Name == "" {
		return fmt.Errorf("skill missing required field: name")
	}
	for _, r := range skill.Name {
		if !isValidNameChar(r) {
			return fmt.Errorf("skill name %q contains invalid character %q", skill.Name, r)
		}
	}
	if skill.Description == "" {
		return fmt.Errorf("skill %q missing required field: description", skill.Name)
	}
	if skill.Content == "" {
		return fmt.Errorf("skill %q has no markdown content", skill.Name)
	}
	if skill.TimeoutSecs < 0 {
		return fmt.Errorf("skill %q has negative timeout", skill.Name)
	}
	return nil
}

func isValidNameChar(r rune) bool {
	return unicode.IsLower(r) || unicode.IsDigit(r) || r == '-' || r == '_'
}

// ContentHash returns the hex SHA-256 of file content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// LoadFile loads one skill file into an entry.
func LoadFile(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill %s: %w", path, err)
	}
	skill, err := LoadSkill(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse skill %s: %w", path, err)
	}
	return &Entry{
		Skill:       skill,
		SourcePath:  path,
		ContentHash: ContentHash(data),
		LoadedAt:    time.Now(),
	}, nil
}

// LoadDir loads every .md skill under dir into the library. Individual
// file failures are collected, not fatal.
func LoadDir(dir string, lib *Library) (loaded int, errs []error) {
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".md") {
			return nil
		}
		entry, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		lib.Put(entry)
		loaded++
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return loaded, errs
}
