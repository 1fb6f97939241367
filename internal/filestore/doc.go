// Package filestore хранит содержимое файлов в объектном хранилище.
//
// Ключи объектов:
//   - keep_duplicate_files=true — "<imported|results|logs>/<время>-<id>-<имя>"
//   - иначе — "<md5>": одинаковое содержимое хранится один раз
//
// FileResource.FileURL имеет вид "s3://<bucket>/<key>".
package filestore
