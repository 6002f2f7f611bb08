package reference

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-optest/internal/plan"
	"github.com/example/go-optest/internal/tensor"
)

// conv2d computes a direct grouped 2D convolution.
// input: [batch, in_channels, h, w]
// weight: [out_channels, in_channels/groups, kh, kw]
// bias (optional): [out_channels]
func conv2d(in []*tensor.Tensor, params plan.Params) ([]*tensor.Tensor, error) {
	x, weight := in[0], in[1]
	if x.Rank() != 4 || weight.Rank() != 4 {
		return nil, fmt.Errorf("expects rank-4 input and weight, got %v and %v", x.Shape(), weight.Shape())
	}

	stride, err := pair(params, "stride", [2]int64{1, 1})
	if err != nil {
		return nil, err
	}

	dilation, err := pair(params, "dilation", [2]int64{1, 1})
	if err != nil {
		return nil, err
	}

	groups, err := params.Int("groups", 1)
	if err != nil {
		return nil, err
	}

	if groups <= 0 {
		groups = 1
	}

	xs, ws := x.Shape(), weight.Shape()
	batch, inCh, h, w := xs[0], xs[1], xs[2], xs[3]
	outCh, kInCh, kh, kw := ws[0], ws[1], ws[2], ws[3]

	if inCh%groups != 0 || outCh%groups != 0 {
		return nil, fmt.Errorf("channels in=%d out=%d not divisible by groups=%d", inCh, outCh, groups)
	}

	if kInCh != inCh/groups {
		return nil, fmt.Errorf("weight expects %d input channels per group, input has %d", kInCh, inCh/groups)
	}

	var bias []float64
	if len(in) > 2 {
		if in[2].ElemCount() != int(outCh) {
			return nil, fmt.Errorf("bias has %d elements, expected %d", in[2].ElemCount(), outCh)
		}

		bias = in[2].RawData()
	}

	pad, err := parsePadding(params["padding"], xs[2:], stride, dilation, [2]int64{kh, kw})
	if err != nil {
		return nil, err
	}

	effH := (kh-1)*dilation[0] + 1
	effW := (kw-1)*dilation[1] + 1
	paddedH := h + pad[0] + pad[1]
	paddedW := w + pad[2] + pad[3]

	if paddedH < effH || paddedW < effW {
		return nil, fmt.Errorf("kernel %dx%d does not fit padded input %dx%d", effH, effW, paddedH, paddedW)
	}

	outH := (paddedH-effH)/stride[0] + 1
	outW := (paddedW-effW)/stride[1] + 1

	outShape := []int64{batch, outCh, outH, outW}
	od := make([]float64, batch*outCh*outH*outW)
	xd, wd := x.RawData(), weight.RawData()
	inPerGroup := inCh / groups
	outPerGroup := outCh / groups

	for b := range batch {
		for oc := range outCh {
			g := oc / outPerGroup

			acc0 := 0.0
			if bias != nil {
				acc0 = bias[oc]
			}

			for oy := range outH {
				for ox := range outW {
					acc := acc0

					for ic := range inPerGroup {
						xBase := (b*inCh + g*inPerGroup + ic) * h * w
						wBase := (oc*kInCh + ic) * kh * kw

						for ky := range kh {
							iy := oy*stride[0] + ky*dilation[0] - pad[0]
							if iy < 0 || iy >= h {
								continue
							}

							for kx := range kw {
								ix := ox*stride[1] + kx*dilation[1] - pad[2]
								if ix < 0 || ix >= w {
									continue
								}

								acc += wd[wBase+ky*kw+kx] * xd[xBase+iy*w+ix]
							}
						}
					}

					od[((b*outCh+oc)*outH+oy)*outW+ox] = acc
				}
			}
		}
	}

	return one(tensor.New(tensor.Float64, od, outShape))
}

// pair reads an int or two-element list parameter.
func pair(params plan.Params, key string, def [2]int64) ([2]int64, error) {
	values, present, err := params.Ints(key)
	if err != nil {
		return [2]int64{}, err
	}

	if !present {
		return def, nil
	}

	var out [2]int64

	switch len(values) {
	case 1:
		out = [2]int64{values[0], values[0]}
	case 2:
		out = [2]int64{values[0], values[1]}
	default:
		return [2]int64{}, fmt.Errorf("param %q: expected int or pair, got %v", key, values)
	}

	if out[0] <= 0 || out[1] <= 0 {
		return [2]int64{}, fmt.Errorf("param %q must be positive, got %v", key, values)
	}

	return out, nil
}

// parsePadding returns (top, bottom, left, right) from nil, "valid", "same",
// an int, a (vertical, horizontal) pair or a four-element list.
func parsePadding(raw any, inputHW []int64, stride, dilation, kernel [2]int64) ([4]int64, error) {
	switch v := raw.(type) {
	case nil:
		return [4]int64{}, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "valid":
			return [4]int64{}, nil
		case "same":
			return samePadding(inputHW, stride, dilation, kernel), nil
		default:
			return [4]int64{}, fmt.Errorf("unsupported padding string %q", v)
		}
	}

	values, _, err := plan.Params{"padding": raw}.Ints("padding")
	if err != nil {
		return [4]int64{}, err
	}

	for _, p := range values {
		if p < 0 {
			return [4]int64{}, fmt.Errorf("padding must be non-negative, got %v", values)
		}
	}

	switch len(values) {
	case 1:
		p := values[0]
		return [4]int64{p, p, p, p}, nil
	case 2:
		return [4]int64{values[0], values[0], values[1], values[1]}, nil
	case 4:
		return [4]int64{values[0], values[1], values[2], values[3]}, nil
	default:
		return [4]int64{}, errors.New("unsupported padding specification")
	}
}

func samePadding(inputHW []int64, stride, dilation, kernel [2]int64) [4]int64 {
	var out [4]int64

	for i := range 2 {
		effective := (kernel[i]-1)*dilation[i] + 1
		outDim := (inputHW[i] + stride[i] - 1) / stride[i]
		needed := max((outDim-1)*stride[i]+effective-inputHW[i], 0)
		out[2*i] = needed / 2
		out[2*i+1] = needed - needed/2
	}

	return out
}
