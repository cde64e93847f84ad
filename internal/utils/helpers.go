package utils

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/RecoveryAshes/eventharvest/internal/models"
)

// Line 文本文件中的一行有效内容
type Line struct {
	Num  int
	Text string
}

// ReadLines 读取文本文件,跳过空行和#注释行
func ReadLines(path string) ([]Line, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开文件失败: %w", err)
	}
	defer file.Close()

	lines := make([]Line, 0)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, Line{Num: lineNum, Text: line})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	return lines, nil
}

// ReadURLsFromFile 从文件中读取URL列表
func ReadURLsFromFile(path string) ([]string, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(lines))
	for _, line := range lines {
		// 验证URL格式
		if err := models.ValidateURL(line.Text); err != nil {
			Warnf("跳过无效URL (行 %d): %s - %v", line.Num, line.Text, err)
			continue
		}
		urls = append(urls, line.Text)
	}

	if len(urls) == 0 {
		return nil, fmt.Errorf("URL文件中没有有效的URL")
	}

	Infof("从文件加载了 %d 个URL", len(urls))
	return urls, nil
}
