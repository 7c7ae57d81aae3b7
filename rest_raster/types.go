package rest_raster

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
)

// ResolutionErrorMessage 下载失败时统一返回的诊断信息，编排器据此降分辨率重试
const ResolutionErrorMessage = "Try smaller resolution"

const (
	DefaultResolution = 1024
	DefaultImageType  = "jpg"
	DefaultPrefix     = "restRaster"
	DefaultSRS        = 3857
)

// DefaultFallbackResolutions 请求分辨率失败后依次尝试的分辨率
var DefaultFallbackResolutions = []int{1700, 1200}

var (
	ErrDegenerateBBox    = errors.New("rest_raster: bounding box has zero height")
	ErrInvalidResolution = errors.New("rest_raster: resolution must be positive")
	ErrEmptyURL          = errors.New("rest_raster: REST URL is empty")
	ErrNoBoundaries      = errors.New("rest_raster: no boundaries given")
	ErrLadderExhausted   = errors.New("failed to download image")
	ErrInvalidFileName   = errors.New("rest_raster: prefix and image type must be plain file name parts")
)

// RequestDescriptor 单次尝试的请求参数，构建后不再修改
type RequestDescriptor struct {
	BaseURL    string
	BBox       orb.Bound // 服务坐标系
	Resolution int
	SRS        int
	Format     string
}

// Query 生成不含响应格式参数的请求串
func (d RequestDescriptor) Query() (string, error) {
	return BuildRequest(d.BaseURL, d.BBox, d.Resolution, d.SRS, d.Format)
}

// ServiceMetadata 探测请求解析出的元数据
type ServiceMetadata struct {
	Extent  *orb.Bound `json:"extent,omitempty"` // 服务坐标系
	Href    string     `json:"href,omitempty"`
	HasHref bool       `json:"hasHref"`
	Width   int        `json:"width,omitempty"`
	Height  int        `json:"height,omitempty"`
}

// FetchResult 单个边界的处理结果
type FetchResult struct {
	Index      int       `json:"index"`
	FilePath   string    `json:"filePath"`
	Frame      orb.Bound `json:"frame"` // 调用方坐标系
	FrameValid bool      `json:"frameValid"`
	Query      string    `json:"query"`
	Resolution int       `json:"resolution"`
	Attempts   int       `json:"attempts"`
	Message    string    `json:"message,omitempty"`
}

// Succeeded 是否成功写出图像
func (r FetchResult) Succeeded() bool {
	return r.FilePath != ""
}

// FetchState 单个边界处理状态
type FetchState string

const (
	StateBuilding         FetchState = "building"
	StateProbing          FetchState = "probing"
	StateFetching         FetchState = "fetching"
	StateSucceeded        FetchState = "succeeded"
	StateRetrySmaller     FetchState = "retry_smaller"
	StateExhaustedFailure FetchState = "exhausted_failure"
	StateSkipped          FetchState = "skipped"
)

// Event 状态变化通知
type Event struct {
	Index      int          `json:"index"`
	State      FetchState   `json:"state"`
	Resolution int          `json:"resolution,omitempty"`
	Result     *FetchResult `json:"result,omitempty"`
}

// Observer 接收状态变化，并发处理边界时会被多个goroutine同时调用
type Observer func(Event)

// BatchAbortError 某个边界分辨率阶梯全部失败，整批中止
type BatchAbortError struct {
	Index int
	Err   error
}

func (e *BatchAbortError) Error() string {
	return fmt.Sprintf("boundary %d: %v", e.Index, e.Err)
}

func (e *BatchAbortError) Unwrap() error { return e.Err }

// BatchResult 整批处理结果，按输入顺序排列
type BatchResult struct {
	Results    []FetchResult `json:"results"`
	Aborted    bool          `json:"aborted"`
	AbortIndex int           `json:"abortIndex"`
}

// Ladder 生成单个边界的分辨率阶梯：请求分辨率在前，随后为降级分辨率
func Ladder(requested int, fallbacks []int) []int {
	ladder := make([]int, 0, len(fallbacks)+1)
	ladder = append(ladder, requested)
	ladder = append(ladder, fallbacks...)
	return ladder
}
