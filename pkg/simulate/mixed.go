package simulate

import (
	"context"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	sferrors "github.com/simflow/simflow/pkg/errors"
	"github.com/simflow/simflow/pkg/relation"
)

// MixedModel is a random-intercept linear model:
//
//	target = β0 + Σ βk·feature_k + u_group + ε,  ε ~ N(0, σ²),  u ~ N(0, τ²)
//
// β is fitted by least squares. Group intercepts are the mean group residual
// shrunk by τ²/(τ² + σ²/n_g). Rows of a group not seen during fitting sample
// with τ² added to their variance.
type MixedModel struct {
	roles Roles

	schema   relation.Schema
	featIdx  []int
	groupIdx int

	beta       []float64
	featMeans  []float64
	sigma2     float64
	tau2       float64
	intercepts map[string]groupEffect
	fitted     bool
}

type groupEffect struct {
	u        float64
	postVar  float64
	nObserve int
}

// NewMixedModel creates an unfitted model for the given roles.
func NewMixedModel(roles Roles) *MixedModel {
	return &MixedModel{roles: roles, groupIdx: -1}
}

// Name implements Model.
func (m *MixedModel) Name() string { return "mixed-intercept" }

// Fit implements Model. Rows with a null target are ignored; null features
// are imputed with the training mean.
func (m *MixedModel) Fit(ctx context.Context, fit *relation.Input) error {
	if err := m.bind(fit.Schema); err != nil {
		return err
	}
	targetIdx := fit.Schema.Index(m.roles.Target)

	var rows [][]any
	for _, row := range fit.Rows {
		if _, ok := row[targetIdx].(float64); ok {
			rows = append(rows, row)
		}
	}

	p := len(m.featIdx) + 1
	n := len(rows)
	if n < p+1 {
		return sferrors.Newf(sferrors.CodeSimulation,
			"model %s needs at least %d fitting rows with a target, got %d", m.Name(), p+1, n)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.featMeans = make([]float64, len(m.featIdx))
	for k, idx := range m.featIdx {
		var vals []float64
		for _, row := range rows {
			if v, ok := row[idx].(float64); ok {
				vals = append(vals, v)
			}
		}
		if len(vals) > 0 {
			m.featMeans[k] = stat.Mean(vals, nil)
		}
	}

	x := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, nil)
	for i, row := range rows {
		x.SetRow(i, m.design(row))
		y.SetVec(i, row[targetIdx].(float64))
	}

	var beta mat.VecDense
	if err := beta.SolveVec(x, y); err != nil {
		return sferrors.Wrap(err, sferrors.CodeSimulation, "least squares fit failed")
	}
	m.beta = make([]float64, p)
	for k := range m.beta {
		m.beta[k] = beta.AtVec(k)
	}

	resid := make([]float64, n)
	for i, row := range rows {
		resid[i] = row[targetIdx].(float64) - dot(m.beta, m.design(row))
	}

	m.fitGroups(rows, resid, p)
	if math.IsNaN(m.sigma2) || math.IsInf(m.sigma2, 0) {
		return sferrors.New(sferrors.CodeSimulation, "residual variance is not finite")
	}
	m.fitted = true
	return nil
}

func (m *MixedModel) fitGroups(rows [][]any, resid []float64, p int) {
	m.intercepts = make(map[string]groupEffect)
	n := len(resid)

	if m.groupIdx < 0 {
		m.sigma2 = sumSquares(resid) / float64(max(n-p, 1))
		return
	}

	byGroup := make(map[string][]float64)
	for i, row := range rows {
		g, _ := row[m.groupIdx].(string)
		byGroup[g] = append(byGroup[g], resid[i])
	}

	var within float64
	means := make([]float64, 0, len(byGroup))
	for _, rs := range byGroup {
		mu := stat.Mean(rs, nil)
		means = append(means, mu)
		for _, r := range rs {
			within += (r - mu) * (r - mu)
		}
	}
	dof := n - len(byGroup)
	if dof > 0 {
		m.sigma2 = within / float64(dof)
	} else {
		m.sigma2 = sumSquares(resid) / float64(max(n-p, 1))
	}

	if len(means) > 1 {
		avgN := float64(n) / float64(len(byGroup))
		m.tau2 = math.Max(0, stat.Variance(means, nil)-m.sigma2/avgN)
	}

	for g, rs := range byGroup {
		ng := float64(len(rs))
		eff := groupEffect{nObserve: len(rs)}
		if m.tau2 > 0 {
			shrink := m.tau2 / (m.tau2 + m.sigma2/ng)
			eff.u = shrink * stat.Mean(rs, nil)
			eff.postVar = shrink * m.sigma2 / ng
		}
		m.intercepts[g] = eff
	}
}

// Predict implements Model.
func (m *MixedModel) Predict(row []any) (Distribution, error) {
	if !m.fitted {
		return nil, sferrors.New(sferrors.CodeSimulation, "model used before fit")
	}
	mu := dot(m.beta, m.design(row))
	variance := m.sigma2

	if m.groupIdx >= 0 {
		g, _ := row[m.groupIdx].(string)
		if eff, ok := m.intercepts[g]; ok {
			mu += eff.u
			variance += eff.postVar
		} else {
			variance += m.tau2
		}
	}
	return normal{mu: mu, sigma: math.Sqrt(variance)}, nil
}

// Coefficients returns the fitted fixed effects (intercept first), σ² and τ².
func (m *MixedModel) Coefficients() (beta []float64, sigma2, tau2 float64) {
	return append([]float64(nil), m.beta...), m.sigma2, m.tau2
}

func (m *MixedModel) bind(schema relation.Schema) error {
	need := []string{m.roles.Target}
	if m.roles.Group != "" {
		need = append(need, m.roles.Group)
	}
	need = append(need, m.roles.Features...)
	for _, name := range need {
		if schema.Index(name) < 0 {
			return sferrors.MissingColumn(name, schema.Names())
		}
	}

	m.schema = schema
	m.featIdx = make([]int, len(m.roles.Features))
	for k, f := range m.roles.Features {
		m.featIdx[k] = schema.Index(f)
	}
	m.groupIdx = -1
	if m.roles.Group != "" {
		m.groupIdx = schema.Index(m.roles.Group)
	}
	return nil
}

// design returns the design row [1, features...] with mean imputation.
func (m *MixedModel) design(row []any) []float64 {
	d := make([]float64, len(m.featIdx)+1)
	d[0] = 1
	for k, idx := range m.featIdx {
		if v, ok := row[idx].(float64); ok {
			d[k+1] = v
		} else {
			d[k+1] = m.featMeans[k]
		}
	}
	return d
}

type normal struct {
	mu, sigma float64
}

func (n normal) Sample(src rand.Source) (float64, bool) {
	d := distuv.Normal{Mu: n.mu, Sigma: n.sigma, Src: src}
	return d.Rand(), true
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func sumSquares(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x * x
	}
	return s
}
