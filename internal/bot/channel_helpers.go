package bot

// tryEnqueueTask отправляет задачу в очередь агента с метриками переполнения.
// Возвращает true, если задача поставлена в очередь.
func tryEnqueueTask(ch chan Task, task Task, buffer string) bool {
	if ch == nil || task.Fn == nil {
		return false
	}

	select {
	case ch <- task:
		return true
	default:
		RecordBufferOverflow(buffer)
		RecordBufferBacklog(buffer, cap(ch), len(ch))
		return false
	}
}
