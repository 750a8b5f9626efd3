// Package loader reads Kubernetes-style objects from YAML/JSON manifest files.
//
// Objects are returned as unstructured so that callers can decode them into types that
// are not registered in any scheme, such as compositions and claims.
//
// # Basic Usage
//
//	objects, err := loader.LoadObjects("/etc/compositor/compositions")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, obj := range objects {
//	    fmt.Println(obj.GetKind(), obj.GetName())
//	}
//
// # File Format Support
//
// The package processes files with the following extensions:
//   - .yaml
//   - .yml
//   - .json
//
// Multi-document YAML streams are supported. Empty documents and documents without
// apiVersion/kind are skipped.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
)

const whitespaceBufferSize = 4096

// LoadObjects reads every YAML/JSON file under folder, recursively, in lexical order.
func LoadObjects(folder string) ([]*unstructured.Unstructured, error) {
	if _, err := os.Stat(folder); os.IsNotExist(err) {
		return nil, fmt.Errorf("folder does not exist: %s", folder)
	}

	var files []string
	err := filepath.Walk(folder, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to access path %s: %w", filePath, err)
		}
		if info.IsDir() || !isYAMLOrJSONFile(filePath) {
			return nil
		}
		files = append(files, filePath)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var objects []*unstructured.Unstructured
	for _, filePath := range files {
		objs, err := LoadFile(filePath)
		if err != nil {
			return nil, err
		}
		objects = append(objects, objs...)
	}
	return objects, nil
}

// LoadFile reads the objects of a single manifest file. "-" reads standard input.
func LoadFile(filePath string) ([]*unstructured.Unstructured, error) {
	var (
		fileBytes []byte
		err       error
	)
	if filePath == "-" {
		fileBytes, err = io.ReadAll(os.Stdin)
	} else {
		fileBytes, err = os.ReadFile(filePath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filePath, err)
	}

	objs, err := DecodeObjects(fileBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to decode objects from file %s: %w", filePath, err)
	}
	return objs, nil
}

// DecodeObjects decodes a YAML or JSON stream, ignoring commented and empty sections.
func DecodeObjects(b []byte) ([]*unstructured.Unstructured, error) {
	var ret []*unstructured.Unstructured
	if len(b) == 0 {
		return ret, nil
	}

	dec := utilyaml.NewYAMLOrJSONDecoder(bytes.NewReader(b), whitespaceBufferSize)
	for {
		// Decode into runtime.Unknown which preserves the raw bytes as JSON
		var obj runtime.Unknown
		err := dec.Decode(&obj)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode object: %w", err)
		}
		if len(obj.Raw) == 0 || bytes.Equal(bytes.TrimSpace(obj.Raw), []byte("null")) {
			continue
		}

		u := &unstructured.Unstructured{}
		if err := u.UnmarshalJSON(obj.Raw); err != nil {
			if runtime.IsMissingKind(err) || runtime.IsMissingVersion(err) {
				continue // skip objects without proper GVK
			}
			return nil, fmt.Errorf("failed to decode object: %w", err)
		}
		ret = append(ret, u)
	}
	return ret, nil
}

// isYAMLOrJSONFile checks if the file has a YAML or JSON extension
func isYAMLOrJSONFile(filePath string) bool {
	ext := filepath.Ext(filePath)
	return ext == ".yaml" || ext == ".yml" || ext == ".json"
}
