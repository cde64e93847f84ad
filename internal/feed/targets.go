package feed

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/RecoveryAshes/eventharvest/internal/utils"
	"gopkg.in/yaml.v3"
)

// LoadTargetsFile 从文件加载目标列表
//   - .yaml/.yml/.json: TargetSpec数组
//   - 其他: 每行一个URL,使用defaultFields
//
// 无效的目标跳过并记录警告,全部无效时返回错误
func LoadTargetsFile(path string, defaultFields []string) ([]models.CrawlTarget, error) {
	var specs []models.TargetSpec

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取目标文件失败: %w", err)
		}
		// JSON是YAML的子集
		if err := yaml.Unmarshal(data, &specs); err != nil {
			if jsonErr := json.Unmarshal(data, &specs); jsonErr != nil {
				return nil, fmt.Errorf("解析目标文件失败: %w", err)
			}
		}
	default:
		urls, err := utils.ReadURLsFromFile(path)
		if err != nil {
			return nil, err
		}
		for _, u := range urls {
			specs = append(specs, models.TargetSpec{URL: u})
		}
	}

	targets := make([]models.CrawlTarget, 0, len(specs))
	for i, spec := range specs {
		if len(spec.Fields) == 0 {
			spec.Fields = defaultFields
		}
		target, err := models.NewCrawlTarget(spec)
		if err != nil {
			utils.Warnf("跳过无效目标 (第%d个): %s - %v", i+1, spec.URL, err)
			continue
		}
		targets = append(targets, target)
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("目标文件中没有有效的目标: %s", path)
	}
	return targets, nil
}
