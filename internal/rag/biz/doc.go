// Package biz 提供 RAG 服务的业务逻辑层。
//
// 该包将检索增强问答拆分为以下组件：
//   - Chunker: 按格式把文档切分为带位置元数据的分块
//   - Embedder: 批量生成并校验向量
//   - IngestionCoordinator: 驱动文档从上传到入库的状态机
//   - QueryOrchestrator: 检索、组装上下文并生成带引用的答案
//   - QueryCache / DirectoryWatcher: 查询缓存和目录自动摄取
package biz
