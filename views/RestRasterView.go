package views

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/GrainArc/RestRaster/catalog"
	"github.com/GrainArc/RestRaster/config"
	"github.com/GrainArc/RestRaster/logger"
	"github.com/GrainArc/RestRaster/methods"
	"github.com/GrainArc/RestRaster/models"
	"github.com/GrainArc/RestRaster/rest_raster"
)

// FetchRequest 抓取请求参数，URL 与 Source/Service 二选一
type FetchRequest struct {
	URL        string          `json:"url"`
	Source     string          `json:"source"`
	Service    string          `json:"service"`
	GeoJSON    json.RawMessage `json:"geoJson" binding:"required"` // 边界GeoJSON
	Resolution int             `json:"resolution"`
	SRS        int             `json:"srs"`
	ImageType  string          `json:"imageType"`
	Prefix     string          `json:"prefix"`
	Run        *bool           `json:"run"` // 缺省为true
}

// ProgressMessage WebSocket进度消息
type ProgressMessage struct {
	Type     string      `json:"type"` // progress, completed, error
	TaskID   string      `json:"taskId"`
	Progress float64     `json:"progress"`
	Message  string      `json:"message"`
	Data     interface{} `json:"data,omitempty"`
}

// RestRasterController REST影像抓取接口
type RestRasterController struct {
	fetcher   *rest_raster.Fetcher
	db        *gorm.DB
	defaults  config.FetchConfig
	logger    *zap.Logger
	wsClients sync.Map // taskID -> *sync.Map[*wsClient]
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRestRasterController 创建控制器，defaults 用于补全请求中缺省的参数
func NewRestRasterController(fetcher *rest_raster.Fetcher, db *gorm.DB, defaults config.FetchConfig, log *zap.Logger) *RestRasterController {
	ctx, cancel := context.WithCancel(context.Background())
	return &RestRasterController{
		fetcher:  fetcher,
		db:       db,
		defaults: defaults,
		logger:   logger.OrNop(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterRoutes 注册路由
func (h *RestRasterController) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/fetch", h.FetchRaster)
	r.GET("/task/:taskId", h.GetTaskStatus)
	r.GET("/tasks", h.ListTasks)
	r.GET("/ws", h.ConnectWebSocket)
	r.GET("/sources", h.ListSources)
}

// resolveURL 请求未给出URL时按来源和服务名从目录中查找
func resolveURL(req FetchRequest) (string, error) {
	if req.URL != "" {
		return req.URL, nil
	}
	if req.Source == "" || req.Service == "" {
		return "", errors.New("url or source/service is required")
	}
	svc, ok := catalog.Lookup(req.Source, req.Service)
	if !ok {
		return "", fmt.Errorf("service %q of source %q not found", req.Service, req.Source)
	}
	return svc.URL, nil
}

// FetchRaster 创建抓取任务并在后台执行
func (h *RestRasterController) FetchRaster(c *gin.Context) {
	var req FetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	url, err := resolveURL(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": err.Error()})
		return
	}

	boundaries, err := methods.ParseBoundaries(req.GeoJSON)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": fmt.Sprintf("invalid geojson: %v", err)})
		return
	}

	taskID := uuid.New().String()
	batch := h.batchFor(taskID, url, boundaries, req)
	if err := rest_raster.ValidateFileName(batch.Prefix, batch.ImageType); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": err.Error()})
		return
	}

	task := &models.FetchTask{
		ID:            taskID,
		URL:           batch.URL,
		BoundaryCount: len(boundaries),
		Resolution:    batch.Resolution,
		SRS:           batch.SRS,
		ImageType:     batch.ImageType,
		Folder:        batch.Folder,
	}
	if err := models.CreateTask(h.db, task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "error": fmt.Sprintf("create task: %v", err)})
		return
	}

	h.wg.Add(1)
	go h.executeTask(taskID, batch)

	c.JSON(http.StatusOK, gin.H{
		"code":       200,
		"taskId":     taskID,
		"boundaries": len(boundaries),
		"message":    "fetch task created, connect to websocket for progress",
	})
}

// batchFor 按默认配置补全批次参数，输出目录按任务隔离
func (h *RestRasterController) batchFor(taskID, url string, boundaries []orb.Geometry, req FetchRequest) rest_raster.Batch {
	batch := rest_raster.Batch{
		URL:        url,
		Boundaries: boundaries,
		Resolution: req.Resolution,
		SRS:        req.SRS,
		Folder:     filepath.Join(h.defaults.Folder, taskID),
		Prefix:     req.Prefix,
		ImageType:  req.ImageType,
		Run:        req.Run == nil || *req.Run,
	}
	if batch.Resolution == 0 {
		batch.Resolution = h.defaults.Resolution
	}
	if batch.SRS == 0 {
		batch.SRS = h.defaults.SRS
	}
	if batch.Prefix == "" {
		batch.Prefix = h.defaults.Prefix
	}
	if batch.ImageType == "" {
		batch.ImageType = h.defaults.ImageType
	}
	return batch
}

// executeTask 执行批次并同步进度到数据库与WebSocket
func (h *RestRasterController) executeTask(taskID string, batch rest_raster.Batch) {
	defer h.wg.Done()
	log := h.logger.With(zap.String("taskId", taskID))

	total := len(batch.Boundaries)
	var done atomic.Int64
	batch.Observer = func(e rest_raster.Event) {
		switch e.State {
		case rest_raster.StateSucceeded, rest_raster.StateExhaustedFailure, rest_raster.StateSkipped:
		default:
			return
		}
		n := int(done.Add(1))
		progress := float64(n) / float64(total) * 100
		if err := models.UpdateProgress(h.db, taskID, n, progress); err != nil {
			log.Warn("update progress failed", zap.Error(err))
		}
		h.broadcastProgress(taskID, ProgressMessage{
			Type:     "progress",
			TaskID:   taskID,
			Progress: progress,
			Message:  fmt.Sprintf("boundary %d %s", e.Index, e.State),
			Data:     e.Result,
		})
	}

	result, err := h.fetcher.Run(h.ctx, batch)

	status, message, msgType := models.TaskCompleted, "", "completed"
	var abort *rest_raster.BatchAbortError
	switch {
	case errors.As(err, &abort):
		status, message, msgType = models.TaskAborted, err.Error(), "error"
	case err != nil:
		status, message, msgType = models.TaskFailed, err.Error(), "error"
	}

	var results []rest_raster.FetchResult
	if result != nil {
		results = result.Results
	}
	if err := models.FinishTask(h.db, taskID, status, message, results); err != nil {
		log.Error("save task result failed", zap.Error(err))
	}
	log.Info("fetch task finished", zap.String("status", status), zap.Int("results", len(results)))

	h.broadcastProgress(taskID, ProgressMessage{
		Type:     msgType,
		TaskID:   taskID,
		Progress: 100,
		Message:  message,
		Data:     results,
	})
}

// GetTaskStatus 获取任务状态（轮询备用）
func (h *RestRasterController) GetTaskStatus(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": "taskId is required"})
		return
	}

	task, err := models.GetTask(h.db, taskID)
	if errors.Is(err, models.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": 200, "data": task})
}

// ListTasks 最近的任务
func (h *RestRasterController) ListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	tasks, err := models.ListTasks(h.db, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": tasks})
}

// ListSources 服务目录，可按 source 过滤
func (h *RestRasterController) ListSources(c *gin.Context) {
	var (
		list []catalog.Service
		err  error
	)
	if source := c.Query("source"); source != "" {
		list, err = catalog.ServicesBySource(source)
	} else {
		list, err = catalog.Sources()
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "error": err.Error()})
		return
	}

	names, err := catalog.SourceNames()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "sources": names, "data": list})
}

// ConnectWebSocket WebSocket连接处理
func (h *RestRasterController) ConnectWebSocket(c *gin.Context) {
	taskID := c.Query("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "error": "taskId is required"})
		return
	}

	task, err := models.GetTask(h.db, taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "error": "task not found"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	h.registerWSClient(taskID, client)

	// 发送当前状态
	client.send(ProgressMessage{
		Type:     "progress",
		TaskID:   taskID,
		Progress: task.Progress,
		Message:  task.Status,
		Data:     task,
	})

	go h.handleWSConnection(taskID, client)
}

// wsClient 同一连接的写操作需要串行
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsClient) send(msg ProgressMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(msg)
}

// registerWSClient 注册WebSocket客户端
func (h *RestRasterController) registerWSClient(taskID string, client *wsClient) {
	clientsVal, _ := h.wsClients.LoadOrStore(taskID, &sync.Map{})
	clients := clientsVal.(*sync.Map)
	clients.Store(client, true)
}

// unregisterWSClient 注销WebSocket客户端
func (h *RestRasterController) unregisterWSClient(taskID string, client *wsClient) {
	if clientsVal, ok := h.wsClients.Load(taskID); ok {
		clients := clientsVal.(*sync.Map)
		clients.Delete(client)
	}
	client.conn.Close()
}

// handleWSConnection 读到错误即断开
func (h *RestRasterController) handleWSConnection(taskID string, client *wsClient) {
	defer h.unregisterWSClient(taskID, client)

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// broadcastProgress 广播进度
func (h *RestRasterController) broadcastProgress(taskID string, msg ProgressMessage) {
	clientsVal, ok := h.wsClients.Load(taskID)
	if !ok {
		return
	}
	clients := clientsVal.(*sync.Map)
	clients.Range(func(key, value interface{}) bool {
		client := key.(*wsClient)
		if err := client.send(msg); err != nil {
			h.unregisterWSClient(taskID, client)
		}
		return true
	})
}

// Wait 等待所有后台任务结束
func (h *RestRasterController) Wait() {
	h.wg.Wait()
}

// Close 取消运行中的任务并等待退出
func (h *RestRasterController) Close() error {
	h.cancel()
	h.wg.Wait()
	return nil
}
