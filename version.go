package nimbusgo

import "github.com/oriys/nimbusgo/comm"

// SDK 身份，与通信层保持一致。
const (
	// SDKName SDK 对外标识名
	SDKName = comm.SDKName
	// Version SDK 语义化版本
	Version = comm.SDKVersion
)
