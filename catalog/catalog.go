package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed sources.json
var sourcesDocument []byte

//go:embed schema.json
var schemaDocument []byte

var ErrInvalidCatalog = errors.New("catalog: invalid source document")

// Service 一个可用的REST影像服务
type Service struct {
	Source  string `json:"source"`
	Service string `json:"service"`
	URL     string `json:"url"`
}

type document struct {
	Services []Service `json:"REST Raster"`
}

var (
	loadOnce sync.Once
	services []Service
	loadErr  error
)

// validate 按schema校验服务目录文档
func validate(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaDocument),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return fmt.Errorf("%w: %s", ErrInvalidCatalog, strings.Join(errs, "; "))
	}
	return nil
}

// Parse 校验并解析服务目录文档
func Parse(data []byte) ([]Service, error) {
	if err := validate(data); err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return doc.Services, nil
}

func load() ([]Service, error) {
	loadOnce.Do(func() {
		services, loadErr = Parse(sourcesDocument)
	})
	return services, loadErr
}

// Sources 内置的全部服务，按文档顺序
func Sources() ([]Service, error) {
	all, err := load()
	if err != nil {
		return nil, err
	}
	return append([]Service(nil), all...), nil
}

// SourceNames 去重后的来源名称，保持首次出现的顺序
func SourceNames() ([]string, error) {
	all, err := load()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, s := range all {
		if !seen[s.Source] {
			seen[s.Source] = true
			names = append(names, s.Source)
		}
	}
	return names, nil
}

// ServicesBySource 某个来源下的服务，来源名不区分大小写
func ServicesBySource(source string) ([]Service, error) {
	all, err := load()
	if err != nil {
		return nil, err
	}
	var out []Service
	for _, s := range all {
		if strings.EqualFold(s.Source, source) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Lookup 按来源和服务名查找地址
func Lookup(source, service string) (Service, bool) {
	list, err := ServicesBySource(source)
	if err != nil {
		return Service{}, false
	}
	for _, s := range list {
		if strings.EqualFold(s.Service, service) {
			return s, true
		}
	}
	return Service{}, false
}
