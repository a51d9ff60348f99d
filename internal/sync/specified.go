package sync

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// specifiedList is the operator-provided set of extensions to mirror
// regardless of popularity. It is pure input: the file lives in the
// artifact root but the store does not own or rewrite it.
type specifiedList struct {
	Extensions []string `yaml:"extensions"`
}

const specifiedTemplate = `# Extensions to always mirror, one publisher.name identity per entry:
#
# extensions:
#   - ms-python.python
#   - golang.go
extensions: []
`

// loadSpecified reads the operator file, creating a commented template
// on first run so the operator knows where to put entries.
func loadSpecified(path string) (*specifiedList, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if writeErr := os.WriteFile(path, []byte(specifiedTemplate), 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to create specified extension list: %w", writeErr)
		}
		return &specifiedList{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read specified extension list: %w", err)
	}

	var list specifiedList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse specified extension list: %w", err)
	}
	return &list, nil
}
