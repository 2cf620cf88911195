package git_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ucalyptus/open-mem/pkg/git"
)

var _ = Describe("ProjectName", func() {
	It("falls back to the directory base name outside a git repo", func() {
		dir, err := os.MkdirTemp("", "detect-test-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)

		sub := filepath.Join(dir, "my-project")
		Expect(os.Mkdir(sub, 0o755)).To(Succeed())

		Expect(git.ProjectName(sub)).To(Equal("my-project"))
	})

	It("resolves something non-empty for the current directory", func() {
		Expect(git.ProjectName("")).ToNot(BeEmpty())
	})
})
