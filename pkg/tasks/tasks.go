// Package tasks 定义发往 Kafka 的事件结构。
package tasks

// OrthoIngestedEvent 在一次正射影像入库完成后发出，
// 供下游（异常检测、报表统计等）消费。
type OrthoIngestedEvent struct {
	JobID     string `json:"job_id"`
	PlantID   uint   `json:"plant_id"`
	AuditID   uint   `json:"audit_id"`
	Category  string `json:"category"`
	FileName  string `json:"file_name"`
	ObjectKey string `json:"object_key"`
	SizeBytes int64  `json:"size_bytes"`
}
