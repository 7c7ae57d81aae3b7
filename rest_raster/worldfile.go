package rest_raster

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
)

// worldFileExt 影像扩展名对应的世界文件扩展名
func worldFileExt(imageExt string) string {
	switch strings.ToLower(strings.TrimPrefix(imageExt, ".")) {
	case "jpg", "jpeg":
		return ".jgw"
	case "png":
		return ".pgw"
	case "tif":
		return ".tfw"
	case "gif":
		return ".gfw"
	case "bmp":
		return ".bpw"
	default:
		return ".wld"
	}
}

// WorldFilePath 影像对应的世界文件路径
func WorldFilePath(imagePath string) string {
	ext := filepath.Ext(imagePath)
	return strings.TrimSuffix(imagePath, ext) + worldFileExt(ext)
}

// WorldFile 生成ESRI世界文件内容，坐标为左上角像元中心
func WorldFile(extent orb.Bound, width, height int) (string, error) {
	if width <= 0 || height <= 0 {
		return "", fmt.Errorf("rest_raster: invalid image size %dx%d", width, height)
	}
	px := (extent.Max[0] - extent.Min[0]) / float64(width)
	py := (extent.Max[1] - extent.Min[1]) / float64(height)

	lines := []string{
		formatNumber(px),
		"0",
		"0",
		formatNumber(-py),
		formatNumber(extent.Min[0] + px/2),
		formatNumber(extent.Max[1] - py/2),
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// WriteWorldFile 在影像旁写出世界文件
func WriteWorldFile(imagePath string, extent orb.Bound, width, height int) (string, error) {
	content, err := WorldFile(extent, width, height)
	if err != nil {
		return "", err
	}
	path := WorldFilePath(imagePath)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write world file: %w", err)
	}
	return path, nil
}
