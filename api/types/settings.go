/*
 * Copyright 2024 The MedRelay Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package types

// StorageSettings 通道存储配置
// StorageSettings selects which content types, maps and metadata a channel
// persists, and what gets pruned when a message completes. The struct is
// immutable once the channel is deployed; the pipeline only reads it.
type StorageSettings struct {
	StoreRaw                 bool
	StoreProcessedRaw        bool
	StoreTransformed         bool
	StoreSourceEncoded       bool
	StoreDestinationEncoded  bool
	StoreSent                bool
	StoreResponse            bool
	StoreResponseTransformed bool
	StoreProcessedResponse   bool
	StoreMaps                bool
	StoreMergedResponseMap   bool
	StoreCustomMetaData      bool
	StoreAttachments         bool

	MessageRecoveryEnabled bool

	RemoveContentOnCompletion      bool
	RemoveOnlyFilteredOnCompletion bool
	RemoveAttachmentsOnCompletion  bool
}

// DefaultStorageSettings returns development-mode settings: everything
// stored, nothing removed, recovery enabled.
func DefaultStorageSettings() StorageSettings {
	return StorageSettings{
		StoreRaw:                 true,
		StoreProcessedRaw:        true,
		StoreTransformed:         true,
		StoreSourceEncoded:       true,
		StoreDestinationEncoded:  true,
		StoreSent:                true,
		StoreResponse:            true,
		StoreResponseTransformed: true,
		StoreProcessedResponse:   true,
		StoreMaps:                true,
		StoreMergedResponseMap:   true,
		StoreCustomMetaData:      true,
		StoreAttachments:         true,
		MessageRecoveryEnabled:   true,
	}
}

// MetaDataColumnType 自定义元数据列类型
type MetaDataColumnType string

const (
	MetaDataTypeString    = MetaDataColumnType("STRING")
	MetaDataTypeNumber    = MetaDataColumnType("NUMBER")
	MetaDataTypeBoolean   = MetaDataColumnType("BOOLEAN")
	MetaDataTypeTimestamp = MetaDataColumnType("TIMESTAMP")
)

// MetaDataColumn 自定义元数据列定义
// MetaDataColumn maps a scope-map variable onto a custom metadata column.
// MappingName is the variable looked up in the connector message's maps
// (connector map first, then channel map, then source map).
type MetaDataColumn struct {
	Name        string
	Type        MetaDataColumnType
	MappingName string
}

// ChannelScripts 通道脚本集合
// ChannelScripts holds the channel-level scripts. Empty strings mean the
// script is not configured and the corresponding phase is skipped.
type ChannelScripts struct {
	Deploy        string
	Undeploy      string
	Preprocessor  string
	Postprocessor string
}
