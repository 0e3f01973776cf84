package instrument

import (
	"go/ast"
	"strconv"
)

// funcName is the scope label for a declared function: Func for plain
// functions and Recv.Method for methods, without the pointer star or type
// parameters.
func funcName(decl *ast.FuncDecl) string {
	if decl.Recv == nil || len(decl.Recv.List) == 0 {
		return decl.Name.Name
	}
	return receiverName(decl.Recv.List[0].Type) + "." + decl.Name.Name
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.ParenExpr:
		return receiverName(t.X)
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	case *ast.SelectorExpr:
		return t.Sel.Name
	}
	return "_"
}

// closureName follows the runtime's naming of function literals: the n-th
// literal directly inside a declared function is Outer.funcN, and literals
// nested in a literal append .N to its name.
func closureName(parent string, nested bool, n int) string {
	if nested {
		return parent + "." + strconv.Itoa(n)
	}
	return parent + ".func" + strconv.Itoa(n)
}
