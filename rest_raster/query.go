package rest_raster

import (
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

const (
	exportPath      = "export?"
	exportImagePath = "exportImage?"
)

// NormalizeBaseURL 以"/"结尾的服务地址补全为 export 接口
func NormalizeBaseURL(url string) string {
	url = strings.TrimSpace(url)
	if strings.HasSuffix(url, "/") {
		url += exportPath
	}
	return url
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// bboxBody 边界框参数
func bboxBody(b orb.Bound) string {
	return "bbox=" + formatNumber(b.Min[0]) + "%2C" + formatNumber(b.Min[1]) +
		"%2C" + formatNumber(b.Max[0]) + "%2C" + formatNumber(b.Max[1])
}

// ImageSize 按边界框宽高比计算输出尺寸，长边为分辨率
func ImageSize(res int, b orb.Bound) (width, height float64, err error) {
	if res <= 0 {
		return 0, 0, ErrInvalidResolution
	}
	dy := b.Max[1] - b.Min[1]
	if dy == 0 {
		return 0, 0, ErrDegenerateBBox
	}
	ratio := (b.Max[0] - b.Min[0]) / dy

	if ratio > 1 {
		return float64(res), float64(res) / ratio, nil
	}
	return float64(res) * ratio, float64(res), nil
}

// imageSizeBody 图像尺寸参数
func imageSizeBody(width, height float64) string {
	return "&size=" + formatNumber(width) + "%2C" + formatNumber(height)
}

// BuildRequest 拼接请求串：bbox、bboxSR、size、imageSR、format，顺序固定
func BuildRequest(url string, bbox orb.Bound, resolution, srs int, imageType string) (string, error) {
	if url == "" {
		return "", ErrEmptyURL
	}
	width, height, err := ImageSize(resolution, bbox)
	if err != nil {
		return "", err
	}

	sr := strconv.Itoa(srs)

	var sb strings.Builder
	sb.WriteString(url)
	sb.WriteString(bboxBody(bbox))
	sb.WriteString("&bboxSR=")
	sb.WriteString(sr)
	sb.WriteString(imageSizeBody(width, height))
	sb.WriteString("&imageSR=")
	sb.WriteString(sr)
	sb.WriteString("&format=")
	sb.WriteString(imageType)
	return sb.String(), nil
}

// alternateEndpoint 将 export 接口替换为 exportImage 接口
func alternateEndpoint(query string) string {
	return strings.Replace(query, exportPath, exportImagePath, 1)
}

func jsonQuery(query string) string  { return query + "&f=json" }
func imageQuery(query string) string { return query + "&f=image" }
