package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	texttemplate "text/template"

	"Encore/logger"

	"github.com/fsnotify/fsnotify"
)

// 内置模板名
const (
	TemplateInvite                = "invite"
	TemplateWelcome               = "welcome"
	TemplateReceipt               = "receipt"
	TemplateSubscriptionConfirmed = "subscription_confirmed"
	TemplateTest                  = "test"
)

//go:embed templates/*.html
var defaultTemplates embed.FS

// Rendered is a template expanded for one recipient.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// compiled holds one template file parsed twice: html/template escapes the
// body, text/template renders subject and plain text verbatim.
type compiled struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

// TemplateRegistry serves email templates from the embedded defaults, with
// files in an optional override directory taking precedence.
type TemplateRegistry struct {
	mu  sync.RWMutex
	dir string
	set map[string]*compiled
}

// NewTemplateRegistry loads the defaults and, if dir is non-empty, the overrides.
func NewTemplateRegistry(dir string) (*TemplateRegistry, error) {
	r := &TemplateRegistry{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-parses every template. On error the previous set stays active.
func (r *TemplateRegistry) Reload() error {
	set := make(map[string]*compiled)

	entries, err := fs.ReadDir(defaultTemplates, "templates")
	if err != nil {
		return fmt.Errorf("failed to read embedded templates: %w", err)
	}
	for _, e := range entries {
		content, err := defaultTemplates.ReadFile("templates/" + e.Name())
		if err != nil {
			return fmt.Errorf("failed to read embedded template %s: %w", e.Name(), err)
		}
		if err := addTemplate(set, e.Name(), string(content)); err != nil {
			return err
		}
	}

	if r.dir != "" {
		files, err := filepath.Glob(filepath.Join(r.dir, "*.html"))
		if err != nil {
			return fmt.Errorf("failed to list template dir: %w", err)
		}
		for _, f := range files {
			content, err := os.ReadFile(f)
			if err != nil {
				return fmt.Errorf("failed to read template %s: %w", f, err)
			}
			if err := addTemplate(set, filepath.Base(f), string(content)); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	r.set = set
	r.mu.Unlock()
	return nil
}

func addTemplate(set map[string]*compiled, file, content string) error {
	name := strings.TrimSuffix(file, filepath.Ext(file))

	h, err := htmltemplate.New(name).Option("missingkey=zero").Parse(content)
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", file, err)
	}
	t, err := texttemplate.New(name).Option("missingkey=zero").Parse(content)
	if err != nil {
		return fmt.Errorf("failed to parse template %s: %w", file, err)
	}
	if h.Lookup("subject") == nil || h.Lookup("html") == nil {
		return fmt.Errorf("template %s must define \"subject\" and \"html\"", file)
	}
	set[name] = &compiled{html: h, text: t}
	return nil
}

// Names lists the available templates.
func (r *TemplateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.set))
	for name := range r.set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render expands the named template with data.
func (r *TemplateRegistry) Render(name string, data interface{}) (*Rendered, error) {
	r.mu.RLock()
	tpl, ok := r.set[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown email template %q", name)
	}

	var subject, html, text bytes.Buffer
	if err := tpl.text.ExecuteTemplate(&subject, "subject", data); err != nil {
		return nil, fmt.Errorf("failed to render %s subject: %w", name, err)
	}
	if err := tpl.html.ExecuteTemplate(&html, "html", data); err != nil {
		return nil, fmt.Errorf("failed to render %s html: %w", name, err)
	}
	if tpl.text.Lookup("text") != nil {
		if err := tpl.text.ExecuteTemplate(&text, "text", data); err != nil {
			return nil, fmt.Errorf("failed to render %s text: %w", name, err)
		}
	}

	return &Rendered{
		Subject: strings.TrimSpace(subject.String()),
		HTML:    strings.TrimSpace(html.String()),
		Text:    strings.TrimSpace(text.String()),
	}, nil
}

// Watch reloads the registry whenever a file in the override directory
// changes. It blocks until ctx is done.
func (r *TemplateRegistry) Watch(ctx context.Context) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("监听目录失败: %w", err)
	}
	logger.Info("[Email] 监听模板目录", logger.String("dir", r.dir))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".html" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				logger.Warn("[Email] 模板重新加载失败，继续使用旧模板",
					logger.String("file", event.Name),
					logger.ErrorField(err))
				continue
			}
			logger.Info("[Email] 模板已重新加载", logger.String("file", event.Name))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("[Email] watcher error", logger.ErrorField(err))
		}
	}
}
