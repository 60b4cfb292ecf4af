package rules

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

// FileSource reads rule definitions from a YAML or JSON file with a
// top-level "rules" list. It is re-read on every Load so edits are picked up
// by the CachedCatalog wrapping it.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Load(ctx context.Context) ([]model.RuleDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(f.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read rule file %s: %w", f.path, err)
	}
	var defs []model.RuleDefinition
	if err := v.UnmarshalKey("rules", &defs); err != nil {
		return nil, fmt.Errorf("decode rule file %s: %w", f.path, err)
	}
	for i := range defs {
		if defs[i].ID == "" {
			return nil, fmt.Errorf("rule file %s: entry %d has no id", f.path, i)
		}
		if defs[i].Params == nil {
			defs[i].Params = model.RuleParams{}
		}
	}
	return defs, nil
}
