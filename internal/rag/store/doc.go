// Package store 提供 RAG 服务的数据存储层。
//
// VectorIndex 是分块向量的检索接口，提供内存、Milvus 和 pgvector 三种实现；
// DocumentStore 基于 gorm 持久化文档的摄取状态和进度。
package store
