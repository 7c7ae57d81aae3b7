package Transformer

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

var (
	ErrUnsupportedSRS = errors.New("transformer: unsupported spatial reference")
	ErrInvalidAnchor  = errors.New("transformer: model anchor scale must be positive")
)

// Transform 调用方坐标系与服务坐标系之间的双向转换
type Transform interface {
	// Forward 调用方坐标 -> 服务坐标
	Forward(p orb.Point) orb.Point
	// Inverse 服务坐标 -> 调用方坐标
	Inverse(p orb.Point) orb.Point
}

// CoordFunc 单点坐标转换函数
type CoordFunc func(orb.Point) orb.Point

type identity struct{}

func (identity) Forward(p orb.Point) orb.Point { return p }
func (identity) Inverse(p orb.Point) orb.Point { return p }

// Identity 返回不做任何转换的Transform
func Identity() Transform { return identity{} }

// funcPair 由一对互逆函数组成的转换
type funcPair struct {
	fwd CoordFunc
	inv CoordFunc
}

func (f funcPair) Forward(p orb.Point) orb.Point { return f.fwd(p) }
func (f funcPair) Inverse(p orb.Point) orb.Point { return f.inv(p) }

// FromFuncs 使用一对互逆函数构建Transform
func FromFuncs(fwd, inv CoordFunc) Transform {
	return funcPair{fwd: fwd, inv: inv}
}

// WGS84ToWebMercator 经纬度 <-> EPSG:3857
func WGS84ToWebMercator() Transform {
	return FromFuncs(
		func(p orb.Point) orb.Point { return project.Point(p, project.WGS84.ToMercator) },
		func(p orb.Point) orb.Point { return project.Point(p, project.Mercator.ToWGS84) },
	)
}

// chain 依次执行多个转换，逆转换按相反顺序执行
type chain []Transform

func (c chain) Forward(p orb.Point) orb.Point {
	for _, t := range c {
		p = t.Forward(p)
	}
	return p
}

func (c chain) Inverse(p orb.Point) orb.Point {
	for i := len(c) - 1; i >= 0; i-- {
		p = c[i].Inverse(p)
	}
	return p
}

// Chain 组合多个转换
func Chain(ts ...Transform) Transform {
	var out chain
	for _, t := range ts {
		if t == nil {
			continue
		}
		if _, ok := t.(identity); ok {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return Identity()
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// ModelAnchor 模型坐标锚点：模型坐标以锚点为原点，单位为 米/Scale
type ModelAnchor struct {
	Lon   float64 `json:"lon" mapstructure:"lon"`
	Lat   float64 `json:"lat" mapstructure:"lat"`
	Scale float64 `json:"scale" mapstructure:"scale"` // 每个模型单位对应的米数
}

// modelToWGS84 模型坐标 <-> 经纬度，经由Web墨卡托平面
type modelToWGS84 struct {
	origin orb.Point // 锚点的墨卡托坐标
	scale  float64
}

func (m modelToWGS84) Forward(p orb.Point) orb.Point {
	merc := orb.Point{m.origin[0] + p[0]*m.scale, m.origin[1] + p[1]*m.scale}
	return project.Point(merc, project.Mercator.ToWGS84)
}

func (m modelToWGS84) Inverse(p orb.Point) orb.Point {
	merc := project.Point(p, project.WGS84.ToMercator)
	return orb.Point{(merc[0] - m.origin[0]) / m.scale, (merc[1] - m.origin[1]) / m.scale}
}

// FromModelAnchor 构建模型坐标到WGS84的转换
func FromModelAnchor(a ModelAnchor) (Transform, error) {
	if a.Scale <= 0 || math.IsNaN(a.Scale) {
		return nil, ErrInvalidAnchor
	}
	origin := project.Point(orb.Point{a.Lon, a.Lat}, project.WGS84.ToMercator)
	return modelToWGS84{origin: origin, scale: a.Scale}, nil
}

// webMercatorCodes Web墨卡托的EPSG及ESRI别名
var webMercatorCodes = map[int]bool{3857: true, 900913: true, 102100: true, 102113: true}

// IsWebMercator 判断SRS是否为Web墨卡托
func IsWebMercator(srs int) bool { return webMercatorCodes[srs] }

// CallerCRS 调用方工作坐标系
type CallerCRS struct {
	// Kind 取值 "wgs84" 或 "model"
	Kind   string      `json:"kind" mapstructure:"kind"`
	Anchor ModelAnchor `json:"anchor" mapstructure:"anchor"`
}

// Registry 根据服务SRS代码解析转换
type Registry struct {
	Caller CallerCRS
}

// For 获取调用方坐标系到指定SRS的转换
func (r Registry) For(srs int) (Transform, error) {
	var toWGS84 Transform
	switch strings.ToLower(r.Caller.Kind) {
	case "", "wgs84", "epsg:4326":
		toWGS84 = Identity()
	case "model":
		t, err := FromModelAnchor(r.Caller.Anchor)
		if err != nil {
			return nil, err
		}
		toWGS84 = t
	default:
		return nil, fmt.Errorf("%w: caller crs %q", ErrUnsupportedSRS, r.Caller.Kind)
	}

	switch {
	case srs == 4326:
		return toWGS84, nil
	case IsWebMercator(srs):
		return Chain(toWGS84, WGS84ToWebMercator()), nil
	default:
		return nil, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedSRS, srs)
	}
}

// edgeSamples 边界每条边的采样数
const edgeSamples = 10

// TransformBound 沿四条边采样转换边界框，返回转换后的外包矩形
func TransformBound(b orb.Bound, fn CoordFunc) orb.Bound {
	var out orb.Bound
	first := true

	for i := 0; i <= edgeSamples; i++ {
		t := float64(i) / float64(edgeSamples)

		edges := [4]orb.Point{
			{b.Min[0] + (b.Max[0]-b.Min[0])*t, b.Max[1]}, // 上边
			{b.Min[0] + (b.Max[0]-b.Min[0])*t, b.Min[1]}, // 下边
			{b.Min[0], b.Min[1] + (b.Max[1]-b.Min[1])*t}, // 左边
			{b.Max[0], b.Min[1] + (b.Max[1]-b.Min[1])*t}, // 右边
		}

		for _, edge := range edges {
			p := fn(edge)
			if first {
				out = orb.Bound{Min: p, Max: p}
				first = false
				continue
			}
			out = out.Extend(p)
		}
	}

	return out
}

// ForwardBound 调用方边界 -> 服务坐标系边界
func ForwardBound(t Transform, b orb.Bound) orb.Bound {
	return TransformBound(b, t.Forward)
}

// InverseBound 服务坐标系边界 -> 调用方边界
func InverseBound(t Transform, b orb.Bound) orb.Bound {
	return TransformBound(b, t.Inverse)
}
