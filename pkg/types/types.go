// Package types 定義了 runsh worker 中使用的核心領域模型
package types

import (
	"encoding/json"
	"sort"
)

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending    JobStatus = "pending"    // 已收到訊息，尚未開始
	StatusProcessing JobStatus = "processing" // 正在執行
	StatusSuccess    JobStatus = "success"    // 成功完成
	StatusFailure    JobStatus = "failure"    // 使用者腳本失敗
	StatusError      JobStatus = "error"      // 基礎設施或驗證錯誤
	StatusCancelled  JobStatus = "cancelled"  // 遠端已取消或逾時
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusError, StatusCancelled:
		return true
	}
	return false
}

// System code names used by the builder API (group "statusCodes").
const (
	CodeProcessing = "PROCESSING"
	CodeSuccess    = "SUCCESS"
	CodeFailed     = "FAILED"
	CodeError      = "ERROR"
	CodeCanceled   = "CANCELED"
	CodeTimeout    = "TIMEOUT"
)

// SystemCode 系統代碼（名稱與數值的對應）
type SystemCode struct {
	Group string `json:"group"`
	Name  string `json:"name"`
	Code  int    `json:"code"`
}

// StatusCodes maps a status code name to its numeric value.
type StatusCodes map[string]int

// DefaultStatusCodes is used whenever /systemCodes cannot be reached.
var DefaultStatusCodes = StatusCodes{
	CodeProcessing: 20,
	CodeSuccess:    30,
	CodeFailed:     80,
	CodeError:      70,
	CodeCanceled:   60,
	CodeTimeout:    50,
}

// NewStatusCodes builds the lookup from the statusCodes group.
// Names missing from codes fall back to DefaultStatusCodes.
func NewStatusCodes(codes []SystemCode) StatusCodes {
	sc := StatusCodes{}
	for k, v := range DefaultStatusCodes {
		sc[k] = v
	}
	for _, c := range codes {
		if c.Group == "statusCodes" {
			sc[c.Name] = c.Code
		}
	}
	return sc
}

// Name returns the code name for a numeric code, or "" if unknown.
func (sc StatusCodes) Name(code int) string {
	for name, c := range sc {
		if c == code {
			return name
		}
	}
	return ""
}

// CodeFor maps a terminal job status to the builder API code name.
func CodeFor(status JobStatus) string {
	switch status {
	case StatusProcessing:
		return CodeProcessing
	case StatusSuccess:
		return CodeSuccess
	case StatusFailure:
		return CodeFailed
	case StatusCancelled:
		return CodeCanceled
	default:
		return CodeError
	}
}

// ============================================================================
// Console
// ============================================================================

// ConsoleType 主控台事件類型
type ConsoleType string

const (
	ConsoleGroup   ConsoleType = "grp"
	ConsoleCommand ConsoleType = "cmd"
	ConsoleMessage ConsoleType = "msg"
)

// RootConsoleID is the parent id of top level groups.
const RootConsoleID = "root"

// ConsoleEvent 一筆主控台事件；開啟與關閉事件共用同一個 ConsoleID
type ConsoleEvent struct {
	JobID            string      `json:"jobId,omitempty"`
	ConsoleID        string      `json:"consoleId"`
	ParentConsoleID  string      `json:"parentConsoleId"`
	Type             ConsoleType `json:"type"`
	Message          string      `json:"message"`
	Timestamp        int64       `json:"timestamp"`                  // 微秒
	TimestampEndedAt *int64      `json:"timestampEndedAt,omitempty"` // 僅關閉事件
	IsSuccess        *bool       `json:"isSuccess,omitempty"`        // 僅關閉事件
	IsShown          bool        `json:"isShown"`
}

// ============================================================================
// CI 訊息
// ============================================================================

// Step executors and script types used by CI messages.
const (
	WhoMexec       = "mexec"
	WhoCexec       = "cexec"
	ScriptTypeBoot = "boot"
)

// CIStep 一個 CI 腳本步驟
type CIStep struct {
	ExecOrder  *int   `json:"execOrder,omitempty"`
	Who        string `json:"who"`
	ScriptType string `json:"scriptType"`
	Script     string `json:"script"`
}

// SortCISteps returns the steps ordered by execOrder. Steps without an
// execOrder sort last.
func SortCISteps(steps []CIStep) []CIStep {
	sorted := make([]CIStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].ExecOrder, sorted[j].ExecOrder
		if a == nil || b == nil {
			return a != nil
		}
		return *a < *b
	})
	return sorted
}

// ============================================================================
// Pipelines 訊息
// ============================================================================

// Dependency operations.
const (
	OperationIN  = "IN"
	OperationOUT = "OUT"
)

// Version 資源版本
type Version struct {
	VersionID     string         `json:"id,omitempty"`
	ResourceID    string         `json:"resourceId,omitempty"`
	ProjectID     string         `json:"projectId,omitempty"`
	VersionName   string         `json:"versionName,omitempty"`
	VersionNumber int            `json:"versionNumber,omitempty"`
	PropertyBag   map[string]any `json:"propertyBag"`
}

// Dependency 一個資源依賴（IN 或 OUT）
type Dependency struct {
	Name         string         `json:"name"`
	Operation    string         `json:"operation"`
	ResourceID   string         `json:"resourceId"`
	Type         string         `json:"type"`
	SourceName   string         `json:"sourceName,omitempty"`
	PropertyBag  map[string]any `json:"propertyBag"`
	Version      *Version       `json:"version"`
	IsConsistent *bool          `json:"isConsistent"`

	VersionDependencyPropertyBag map[string]any `json:"versionDependencyPropertyBag,omitempty"`
}

// Payload 管線任務內容
type Payload struct {
	BuildJobID   string         `json:"buildJobId"`
	BuildID      string         `json:"buildId,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Name         string         `json:"name,omitempty"`
	Type         string         `json:"type,omitempty"`
	PropertyBag  map[string]any `json:"propertyBag"`
	Dependencies []Dependency   `json:"dependencies"`
}

// Message is a decoded queue message. CI messages carry JobID and Steps,
// pipelines messages carry Payload.
type Message struct {
	BuilderAPIToken string   `json:"builderApiToken"`
	JobID           string   `json:"jobId,omitempty"`
	Steps           []CIStep `json:"steps,omitempty"`
	Payload         *Payload `json:"payload,omitempty"`
	Raw             []byte   `json:"-"`
}

// ParseMessage decodes a raw queue message and keeps the raw bytes.
func ParseMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	msg.Raw = body
	return &msg, nil
}

// IsPipeline reports whether the message is a build job. jobId wins when
// both ids are present.
func (m *Message) IsPipeline() bool {
	return m.JobID == "" && m.Payload != nil && m.Payload.BuildJobID != ""
}

// HasJobID reports whether the message names a job or a build job.
func (m *Message) HasJobID() bool {
	return m.JobID != "" || m.IsPipeline()
}

// ============================================================================
// API 實體
// ============================================================================

// Job CI 任務（/jobs/:id）
type Job struct {
	ID         string `json:"id"`
	StatusCode int    `json:"statusCode"`
	Node       any    `json:"node,omitempty"`
}

// BuildJob 管線任務（/buildJobs/:id）
type BuildJob struct {
	ID         string `json:"id"`
	StatusCode int    `json:"statusCode"`
	ResourceID string `json:"resourceId,omitempty"`
}

// JobUpdate is the PUT body for jobs and build jobs.
type JobUpdate struct {
	StatusCode int    `json:"statusCode"`
	Node       string `json:"node,omitempty"` // node id
}

// Node 叢集或系統節點
type Node struct {
	ID           string `json:"id"`
	NodeTypeCode int    `json:"nodeTypeCode,omitempty"`
	FriendlyName string `json:"friendlyName,omitempty"`
}

// NodeAction 節點驗證的回應動作
type NodeAction string

const (
	NodeContinue NodeAction = "continue"
	NodeRestart  NodeAction = "restart"
	NodeShutdown NodeAction = "shutdown"
)

// NodeValidation 節點驗證結果（/clusterNodes/:id/validate）
type NodeValidation struct {
	Action NodeAction `json:"action"`
}

// Notification lifecycle events.
const (
	NotifyOnStart   = "on_start"
	NotifyOnSuccess = "on_success"
	NotifyOnFailure = "on_failure"
)

// Notification 通知事件
type Notification struct {
	BuildJobID   string `json:"buildJobId"`
	ResourceName string `json:"resourceName"`
	Event        string `json:"event"`
}
