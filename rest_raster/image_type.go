package rest_raster

import "strings"

// CleanupImageType 清理图像类型名称用作文件扩展名：png32/png16/png8 去掉位深，geotiff/tiff 统一为 tif
func CleanupImageType(name string) string {
	for _, depth := range []string{"32", "16", "8"} {
		name = strings.TrimSuffix(name, depth)
	}

	lower := strings.ToLower(name)
	for _, alias := range []string{"geotiff", "tiff"} {
		if strings.HasSuffix(lower, alias) {
			name = name[:len(name)-len(alias)] + "tif"
			lower = strings.ToLower(name)
		}
	}
	return name
}
