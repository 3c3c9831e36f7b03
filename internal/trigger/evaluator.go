package trigger

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Variables 为条件表达式可引用的指标变量，均为 double。
var Variables = []string{
	"price", "prev_close", "change_pct",
	"sma", "sma50", "ema", "ema26",
	"rsi", "atr", "volume_ratio",
}

// Evaluator 编译并执行阈值条件，编译结果按表达式缓存。
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator 创建条件求值器。
func NewEvaluator() (*Evaluator, error) {
	opts := make([]cel.EnvOption, 0, len(Variables))
	for _, name := range Variables {
		opts = append(opts, cel.Variable(name, cel.DoubleType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("trigger: 创建 CEL 环境失败: %w", err)
	}
	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Validate 检查表达式能否编译且结果为布尔值，规则保存前调用。
func (e *Evaluator) Validate(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate 以给定变量求值，缺失的变量按 0 处理。
func (e *Evaluator) Evaluate(expression string, vars map[string]interface{}) (bool, error) {
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	activation := make(map[string]interface{}, len(Variables))
	for _, name := range Variables {
		activation[name] = 0.0
	}
	for k, v := range vars {
		activation[k] = v
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("trigger: 条件求值失败: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("trigger: 条件结果不是布尔值: %v", out.Value())
	}
	return result, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expression]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expression]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("trigger: 条件编译失败: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("trigger: 条件必须返回布尔值，实际为 %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("trigger: 构建 CEL 程序失败: %w", err)
	}
	e.cache[expression] = prg
	return prg, nil
}
