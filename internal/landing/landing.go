// Package landing 提供非生产模式下 GET 请求返回的内嵌引导页。
package landing

import (
	"bytes"
	_ "embed"
	"html/template"
)

//go:embed page.html
var pageSource string

var pageTmpl = template.Must(template.New("landing").Parse(pageSource))

// Render 渲染引导页。模板在包加载时已解析，渲染失败只可能
// 来自写入阶段，调用方可将其视为内部错误。
func Render(appName string, functionCount int) ([]byte, error) {
	var buf bytes.Buffer
	err := pageTmpl.Execute(&buf, struct {
		AppName       string
		FunctionCount int
	}{AppName: appName, FunctionCount: functionCount})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
