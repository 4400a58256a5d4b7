// Package nimbusgo 是 Nimbus 函数编排平台的 Go SDK。
//
// 应用进程通过本包声明函数并将其暴露给编排器：注册阶段上报函数描述
// （触发条件、步骤回调地址与内容摘要），执行阶段接收编排器的回调请求，
// 鉴权后执行单个步骤并返回结构化结果。事件经 Client.Send 投递到事件
// 接收端点，由编排器按触发条件匹配并调度函数运行。
//
// 典型用法：
//
//	client, err := nimbusgo.NewClient(ctx, nimbusgo.ClientOpts{AppName: "storefront"})
//	welcome, err := nimbusgo.CreateFunction(
//		nimbusgo.FunctionOpts{Name: "Send welcome email"},
//		nimbusgo.EventTrigger("user/signed.up"),
//		func(ctx context.Context, input fn.Input) (any, error) {
//			return map[string]bool{"sent": true}, nil
//		},
//	)
//	handler, err := client.Serve(welcome)
//	http.Handle("/api/nimbus", handler)
//	http.ListenAndServe(":3000", nil)
//
// 本地开发时运行 Nimbus 开发编排器即可完成注册与调试；
// 生产部署通过 NIMBUS_SIGNING_KEY 与 NIMBUS_EVENT_KEY 提供凭证。
package nimbusgo
