package pipeline

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(*Record) (*Record, error)
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Type       string    `json:"type"`
	Severity   string    `json:"severity"` // low, medium, high
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	QueryID    string    `json:"query_id"`
	DocumentID string    `json:"document_id"`
}

// DataCleaner 数据清洗器
type DataCleaner struct {
	rules      []CleaningRule
	issues     []QualityIssue
	issuesLock sync.RWMutex

	stats     CleaningStats
	statsLock sync.RWMutex
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Corrected      int64            `json:"corrected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// NewDataCleaner 创建数据清洗器, 默认只检查特征值是否有限
func NewDataCleaner(rules ...CleaningRule) *DataCleaner {
	cleaner := &DataCleaner{
		stats: CleaningStats{
			Issues: make(map[string]int64),
		},
	}
	if len(rules) == 0 {
		rules = []CleaningRule{NewFiniteFeatureRule()}
	}
	for _, rule := range rules {
		cleaner.AddRule(rule)
	}
	return cleaner
}

// AddRule 添加清洗规则
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
}

// Rules returns the rule names in application order.
func (dc *DataCleaner) Rules() []string {
	names := make([]string, len(dc.rules))
	for i, r := range dc.rules {
		names[i] = r.Name()
	}
	return names
}

// Clean 清洗数据
func (dc *DataCleaner) Clean(records []*Record) ([]*Record, []QualityIssue) {
	var cleaned []*Record
	var issues []QualityIssue

	dc.statsLock.Lock()
	defer dc.statsLock.Unlock()

	for _, rec := range records {
		dc.stats.TotalProcessed++

		original := cloneRecord(rec)
		var recordIssues []QualityIssue

		for _, rule := range dc.rules {
			out, err := rule.Apply(rec)
			if err != nil {
				recordIssues = append(recordIssues, QualityIssue{
					Type:       rule.Name(),
					Severity:   "high",
					Message:    err.Error(),
					Timestamp:  time.Now(),
					QueryID:    rec.QueryID,
					DocumentID: rec.DocumentID,
				})
				dc.stats.Issues[rule.Name()]++
				continue
			}
			if out != nil {
				rec = out
			}
		}

		if len(recordIssues) > 0 {
			dc.stats.Rejected++
			issues = append(issues, recordIssues...)
			dc.issuesLock.Lock()
			dc.issues = append(dc.issues, recordIssues...)
			dc.issuesLock.Unlock()
			continue
		}
		if !recordsEqual(original, rec) {
			dc.stats.Corrected++
		}
		dc.stats.Passed++
		cleaned = append(cleaned, rec)
	}

	dc.stats.LastClean = time.Now()
	return cleaned, issues
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Features = append(c.Features[:0:0], r.Features...)
	return &c
}

func recordsEqual(a, b *Record) bool {
	if a.ClassID != b.ClassID || a.QueryID != b.QueryID || a.DocumentID != b.DocumentID || len(a.Features) != len(b.Features) {
		return false
	}
	for i := range a.Features {
		if a.Features[i] != b.Features[i] {
			return false
		}
	}
	return true
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.statsLock.RLock()
	defer dc.statsLock.RUnlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// GetIssues 获取问题列表
func (dc *DataCleaner) GetIssues(limit int) []QualityIssue {
	dc.issuesLock.RLock()
	defer dc.issuesLock.RUnlock()

	if limit <= 0 || limit > len(dc.issues) {
		limit = len(dc.issues)
	}
	issues := make([]QualityIssue, limit)
	copy(issues, dc.issues[len(dc.issues)-limit:])
	return issues
}

// ClearIssues 清空问题列表
func (dc *DataCleaner) ClearIssues() {
	dc.issuesLock.Lock()
	defer dc.issuesLock.Unlock()

	dc.issues = nil
}

// ============ 清洗规则实现 ============

// FiniteFeatureRule 拒绝NaN和Inf特征值
type FiniteFeatureRule struct{}

func NewFiniteFeatureRule() *FiniteFeatureRule {
	return &FiniteFeatureRule{}
}

func (r *FiniteFeatureRule) Name() string {
	return "finite_features"
}

func (r *FiniteFeatureRule) Apply(rec *Record) (*Record, error) {
	for i, v := range rec.Features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("feature %d is %v", i+1, v)
		}
	}
	return rec, nil
}

// ClampRule 将特征值截断到 [Min, Max]
type ClampRule struct {
	Min float64
	Max float64
}

func NewClampRule(min, max float64) *ClampRule {
	return &ClampRule{Min: min, Max: max}
}

func (r *ClampRule) Name() string {
	return "clamp_features"
}

func (r *ClampRule) Apply(rec *Record) (*Record, error) {
	if r.Min > r.Max {
		return nil, fmt.Errorf("clamp range [%v, %v] is empty", r.Min, r.Max)
	}
	out := cloneRecord(rec)
	for i, v := range out.Features {
		out.Features[i] = math.Min(math.Max(v, r.Min), r.Max)
	}
	return out, nil
}

// ClassRangeRule 拒绝类别超出 [0, NumClasses) 的记录
type ClassRangeRule struct {
	NumClasses int
}

func NewClassRangeRule(numClasses int) *ClassRangeRule {
	return &ClassRangeRule{NumClasses: numClasses}
}

func (r *ClassRangeRule) Name() string {
	return "class_range"
}

func (r *ClassRangeRule) Apply(rec *Record) (*Record, error) {
	if rec.ClassID < 0 || rec.ClassID >= r.NumClasses {
		return nil, fmt.Errorf("class %d outside [0, %d)", rec.ClassID, r.NumClasses)
	}
	return rec, nil
}

// DuplicateDetectionRule 重复检测规则, 按 (query, document) 去重
type DuplicateDetectionRule struct {
	seenMap map[string]struct{}
	mu      sync.Mutex
}

func NewDuplicateDetectionRule() *DuplicateDetectionRule {
	return &DuplicateDetectionRule{
		seenMap: make(map[string]struct{}),
	}
}

func (r *DuplicateDetectionRule) Name() string {
	return "duplicate_detection"
}

func (r *DuplicateDetectionRule) Apply(rec *Record) (*Record, error) {
	key := rec.QueryID + "\x00" + rec.DocumentID

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.seenMap[key]; exists {
		return nil, fmt.Errorf("duplicate record: query %s document %s", rec.QueryID, rec.DocumentID)
	}
	r.seenMap[key] = struct{}{}
	return rec, nil
}

// ParseRules builds rules from their names, as used in configuration files.
// numClasses bounds the class_range rule.
func ParseRules(names []string, numClasses int) ([]CleaningRule, error) {
	rules := make([]CleaningRule, 0, len(names))
	for _, name := range names {
		switch name {
		case "finite_features":
			rules = append(rules, NewFiniteFeatureRule())
		case "duplicate_detection":
			rules = append(rules, NewDuplicateDetectionRule())
		case "class_range":
			rules = append(rules, NewClassRangeRule(numClasses))
		case "clamp_features":
			rules = append(rules, NewClampRule(-1e6, 1e6))
		default:
			return nil, fmt.Errorf("unknown cleaning rule %q", name)
		}
	}
	return rules, nil
}
