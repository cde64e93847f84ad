package models

import (
	"encoding/json"
	"time"
)

// FieldValue 单个字段的提取结果
type FieldValue struct {
	Value       string  `json:"value"`
	PatternUsed string  `json:"pattern_used"`
	Confidence  float64 `json:"confidence"`
}

// ExtractionOutcome 一次提取尝试的结果
// 三种形态: 完整成功、带缺失字段标记的部分成功、带类型化原因的失败
type ExtractionOutcome struct {
	ID            string                `json:"id"`
	Target        CrawlTarget           `json:"target"`
	NaturalKey    string                `json:"natural_key"`
	Fields        map[string]FieldValue `json:"fields"`
	Missing       []string              `json:"missing,omitempty"`
	Success       bool                  `json:"success"`
	Partial       bool                  `json:"partial,omitempty"`
	FailureReason FailureReason         `json:"failure_reason,omitempty"`
	Error         string                `json:"error,omitempty"`
	Attempts      int                   `json:"attempts"`
	SessionID     string                `json:"session_id,omitempty"`
	ProxyID       string                `json:"proxy_id,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	Duration      time.Duration         `json:"duration"`
}

// NewOutcome 为目标创建空结果
func NewOutcome(target CrawlTarget) ExtractionOutcome {
	return ExtractionOutcome{
		ID:         generateID(),
		Target:     target,
		NaturalKey: NaturalKey(target.URL),
		Fields:     make(map[string]FieldValue),
		StartedAt:  time.Now(),
	}
}

// Fail 标记为失败
func (o *ExtractionOutcome) Fail(err error) {
	o.Success = false
	o.Partial = false
	o.FailureReason = ReasonOf(err)
	if err != nil {
		o.Error = err.Error()
	}
}

// Finalize 根据已提取字段确定结果形态
// 一个字段都没有提取到视为失败,而不是空的成功
func (o *ExtractionOutcome) Finalize() {
	o.Missing = o.Missing[:0]
	for _, field := range o.Target.Fields {
		if _, ok := o.Fields[field]; !ok {
			o.Missing = append(o.Missing, field)
		}
	}

	switch {
	case len(o.Fields) == 0:
		o.Success = false
		o.Partial = false
		o.FailureReason = ReasonExtractionIncomplete
		o.Error = ErrExtractionIncomplete.Error()
	case len(o.Missing) > 0:
		o.Success = true
		o.Partial = true
		o.FailureReason = ReasonExtractionIncomplete
	default:
		o.Success = true
		o.Partial = false
		o.FailureReason = ReasonNone
		o.Missing = nil
	}
}

// Status 结果状态: success | partial | failed
func (o ExtractionOutcome) Status() string {
	switch {
	case o.Success && o.Partial:
		return "partial"
	case o.Success:
		return "success"
	default:
		return "failed"
	}
}

// ToJSON 序列化为JSON
func (o ExtractionOutcome) ToJSON() ([]byte, error) {
	return json.Marshal(o)
}
