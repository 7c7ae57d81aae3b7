package models

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrTaskNotFound = errors.New("models: task not found")

// 任务状态
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskAborted   = "aborted"
	TaskFailed    = "failed"
)

// FetchTask 一次批量抓取任务的记录
type FetchTask struct {
	ID            string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	URL           string         `gorm:"column:url;type:text" json:"url"`
	BoundaryCount int            `gorm:"column:boundary_count" json:"boundaryCount"`
	Resolution    int            `gorm:"column:resolution" json:"resolution"`
	SRS           int            `gorm:"column:srs" json:"srs"`
	ImageType     string         `gorm:"column:image_type;type:varchar(32)" json:"imageType"`
	Folder        string         `gorm:"column:folder;type:varchar(255)" json:"folder"`
	Status        string         `gorm:"column:status;type:varchar(16);index" json:"status"`
	Progress      float64        `gorm:"column:progress" json:"progress"`
	Completed     int            `gorm:"column:completed" json:"completed"`
	Message       string         `gorm:"column:message;type:text" json:"message"`
	Results       datatypes.JSON `gorm:"column:results" json:"results"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
	FinishedAt    *time.Time     `json:"finishedAt"`
}

func (FetchTask) TableName() string {
	return "fetch_task"
}

// CreateTask 写入新任务
func CreateTask(db *gorm.DB, task *FetchTask) error {
	if task.Status == "" {
		task.Status = TaskPending
	}
	return db.Create(task).Error
}

// GetTask 按ID读取任务
func GetTask(db *gorm.DB, id string) (*FetchTask, error) {
	var task FetchTask
	err := db.Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateProgress 更新进度
func UpdateProgress(db *gorm.DB, id string, completed int, progress float64) error {
	return db.Model(&FetchTask{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":    TaskRunning,
		"completed": completed,
		"progress":  progress,
	}).Error
}

// FinishTask 写入最终状态与结果
func FinishTask(db *gorm.DB, id, status, message string, results interface{}) error {
	data, err := json.Marshal(results)
	if err != nil {
		return err
	}
	now := time.Now()
	return db.Model(&FetchTask{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      status,
		"message":     message,
		"results":     datatypes.JSON(data),
		"finished_at": &now,
	}).Error
}

// ListTasks 最近的任务，按创建时间倒序
func ListTasks(db *gorm.DB, limit int) ([]FetchTask, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []FetchTask
	err := db.Order("created_at desc").Limit(limit).Find(&tasks).Error
	return tasks, err
}
