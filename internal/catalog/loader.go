package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/jornada/model"
)

// TemplateFile is the on-disk YAML shape of a seed template. The id is
// fixed so that reseeding is idempotent.
type TemplateFile struct {
	ID            string `yaml:"id"`
	TemplateInput `yaml:",inline"`

	// StageIDs optionally pins stage ids by position, for payment links that
	// are configured against seeded templates.
	StageIDs map[int]string `yaml:"stage_ids,omitempty"`

	SourceFile string `yaml:"-"`
}

// Loader scans directories for YAML template files.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a TemplateFile.
func (l *Loader) LoadAll(directories []string) ([]TemplateFile, error) {
	var files []TemplateFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			tf, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, tf)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single YAML template file.
func (l *Loader) LoadFile(path string) (TemplateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TemplateFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var tf TemplateFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return TemplateFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if tf.ID == "" {
		return TemplateFile{}, fmt.Errorf("parsing %s: id is required", path)
	}
	tf.SourceFile = path

	return tf, nil
}

// Seed creates every template whose id is not stored yet and reports how
// many were created. Invalid files fail the whole seed.
func (c *Catalog) Seed(ctx context.Context, files []TemplateFile) (int, error) {
	created := 0
	for _, tf := range files {
		_, err := c.store.GetTemplate(ctx, tf.ID)
		if err == nil {
			continue
		}
		if !model.IsNotFound(err) {
			return created, err
		}

		if _, err := c.create(ctx, tf.ID, tf.TemplateInput, tf.StageIDs); err != nil {
			return created, fmt.Errorf("seeding %s: %w", tf.SourceFile, err)
		}
		created++
	}

	c.logger.Info("template seed complete",
		zap.Int("files", len(files)),
		zap.Int("created", created),
	)
	return created, nil
}
