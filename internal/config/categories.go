package config

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/campusmate/campusfeed/internal/model"
)

// DefaultCategories は組み込みのカテゴリ名→掲示板番号テーブルを返す。
// 処理順はこのスライスの順序に従う。
func DefaultCategories() []model.Category {
	return []model.Category{
		{Name: "학사", ID: 96},
		{Name: "장학", ID: 97},
		{Name: "일반", ID: 95},
		{Name: "입찰", ID: 98},
		{Name: "채용", ID: 99},
		{Name: "행사", ID: 100},
	}
}

// categoriesFile はCATEGORIES_FILEのYAML構造。
//
//	categories:
//	  - name: 학사
//	    id: 96
type categoriesFile struct {
	Categories []struct {
		Name string `yaml:"name"`
		ID   int    `yaml:"id"`
	} `yaml:"categories"`
}

// LoadCategoriesFile はYAMLファイルからカテゴリテーブルを読み込む。
// 名前またはIDが重複している場合、IDが正でない場合はエラーを返す。
func LoadCategoriesFile(path string) ([]model.Category, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read categories file: %w", err)
	}
	return ParseCategories(data)
}

// ParseCategories はYAMLバイト列をカテゴリテーブルに変換する。
func ParseCategories(data []byte) ([]model.Category, error) {
	var f categoriesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse categories yaml: %w", err)
	}
	if len(f.Categories) == 0 {
		return nil, fmt.Errorf("categories file has no entries")
	}

	seenName := make(map[string]bool, len(f.Categories))
	seenID := make(map[int]bool, len(f.Categories))
	out := make([]model.Category, 0, len(f.Categories))
	for i, c := range f.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("categories[%d]: empty name", i)
		}
		if c.ID <= 0 {
			return nil, fmt.Errorf("categories[%d] %s: id must be positive", i, name)
		}
		if seenName[name] {
			return nil, fmt.Errorf("categories[%d]: duplicate name %s", i, name)
		}
		if seenID[c.ID] {
			return nil, fmt.Errorf("categories[%d]: duplicate id %d", i, c.ID)
		}
		seenName[name] = true
		seenID[c.ID] = true
		out = append(out, model.Category{Name: name, ID: c.ID})
	}
	return out, nil
}
