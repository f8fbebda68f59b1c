// Package workorder reads project work-order spec files. A work order is
// a markdown file with a YAML frontmatter block under <project>/orders/;
// the frontmatter is the canonical record and the body is free-form notes
// for the agent. Files are re-read every scheduling pass so edits land
// without restarts.
package workorder

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mizutanik/flotilla/internal/model"
)

// OrdersDir is the per-project directory holding work-order spec files.
const OrdersDir = "orders"

var frontmatterDelim = []byte("---")

// frontmatter mirrors the YAML block at the top of a spec file. project_id
// is not part of the file; it comes from the directory the file lives in.
type frontmatter struct {
	ID        string    `yaml:"id"`
	Title     string    `yaml:"title"`
	Status    string    `yaml:"status"`
	Priority  int       `yaml:"priority"`
	Tags      []string  `yaml:"tags"`
	DependsOn []string  `yaml:"depends_on"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// ParseFile reads one spec file into a work order. The file must open
// with a frontmatter block; a missing or malformed block is an error.
func ParseFile(path, projectID string) (model.WorkOrder, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.WorkOrder{}, fmt.Errorf("read work order %s: %w", path, err)
	}
	return Parse(raw, path, projectID)
}

// Parse extracts the frontmatter from raw spec-file content.
func Parse(raw []byte, path, projectID string) (model.WorkOrder, error) {
	block, err := extractFrontmatter(raw)
	if err != nil {
		return model.WorkOrder{}, fmt.Errorf("work order %s: %w", path, err)
	}

	var fm frontmatter
	if err := yamlv3.Unmarshal(block, &fm); err != nil {
		return model.WorkOrder{}, fmt.Errorf("work order %s: parse frontmatter: %w", path, err)
	}

	wo := model.WorkOrder{
		ID:        strings.TrimSpace(fm.ID),
		ProjectID: projectID,
		Title:     strings.TrimSpace(fm.Title),
		Status:    model.WorkOrderStatus(strings.TrimSpace(fm.Status)),
		Priority:  fm.Priority,
		Tags:      fm.Tags,
		DependsOn: fm.DependsOn,
		UpdatedAt: fm.UpdatedAt,
	}
	if wo.ID == "" {
		// Files without an explicit id key the work order by filename.
		wo.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := validate(wo); err != nil {
		return model.WorkOrder{}, fmt.Errorf("work order %s: %w", path, err)
	}
	return wo, nil
}

func extractFrontmatter(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimLeft(raw, "\xef\xbb\xbf") // strip BOM if present
	if !bytes.HasPrefix(trimmed, frontmatterDelim) {
		return nil, fmt.Errorf("missing frontmatter block")
	}
	rest := trimmed[len(frontmatterDelim):]
	if len(rest) == 0 || (rest[0] != '\n' && !bytes.HasPrefix(rest, []byte("\r\n"))) {
		return nil, fmt.Errorf("missing frontmatter block")
	}

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, fmt.Errorf("unterminated frontmatter block")
	}
	return rest[:end], nil
}

func validate(wo model.WorkOrder) error {
	switch wo.Status {
	case model.WorkOrderReady, model.WorkOrderDone, model.WorkOrderBlocked, model.WorkOrderDraft:
	case "":
		return fmt.Errorf("missing status")
	default:
		return fmt.Errorf("unknown status %q", wo.Status)
	}
	if wo.Priority < 1 || wo.Priority > 5 {
		return fmt.Errorf("priority %d out of range 1-5", wo.Priority)
	}
	return nil
}

// LoadProject reads every spec file under a project's orders directory.
// Unparseable files are skipped and reported in skipped; one bad file
// must not hide the rest of the project's work.
func LoadProject(projectPath, projectID string) (orders []model.WorkOrder, skipped []string, err error) {
	dir := filepath.Join(projectPath, OrdersDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read orders dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		wo, perr := ParseFile(path, projectID)
		if perr != nil {
			skipped = append(skipped, path)
			continue
		}
		orders = append(orders, wo)
	}

	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, skipped, nil
}
