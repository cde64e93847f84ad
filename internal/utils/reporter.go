package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/RecoveryAshes/eventharvest/internal/models"
	"github.com/schollz/progressbar/v3"
)

// OutcomeWriter 以JSON Lines格式输出提取结果
// 并发安全,批量爬取时多个worker共用同一个writer
type OutcomeWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewOutcomeWriter 创建结果输出器
func NewOutcomeWriter(w io.Writer) *OutcomeWriter {
	return &OutcomeWriter{enc: json.NewEncoder(w)}
}

// Write 写出一条结果
func (w *OutcomeWriter) Write(outcome models.ExtractionOutcome) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(outcome); err != nil {
		return fmt.Errorf("序列化结果失败: %w", err)
	}
	return nil
}

// NewProgressBar 创建进度条
// 进度条写到stderr,stdout保留给结果输出
func NewProgressBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
